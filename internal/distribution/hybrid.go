package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/framerelay/internal/protocol"
)

// hybridSession speaks the tagged hybrid protocol for one client. A
// streamer submits IMAGE_FRAME messages between START_STREAM and
// STOP_STREAM. A viewer pulls: each REQUEST_LATEST_PACKAGE is answered by at
// most one IMAGE_FRAME carrying the relay's latest frame, sent only once a
// frame newer than the previous reply exists.
type hybridSession struct {
	log      *slog.Logger
	conn     *websocket.Conn
	room     Room
	role     protocol.Channel
	clientID string

	writeMu sync.Mutex

	streaming atomic.Bool
	receiving atomic.Bool
	requests  chan struct{}
	lastSent  int64

	submitted atomic.Int64
	rejected  atomic.Int64
	ignored   atomic.Int64
	replies   atomic.Int64
}

// allowedCommands lists the control commands each role may issue.
var allowedCommands = map[protocol.Channel]map[string]bool{
	protocol.ChannelStreamer: {
		protocol.CmdStartStream: true,
		protocol.CmdStopStream:  true,
	},
	protocol.ChannelViewer: {
		protocol.CmdStartReceiving:       true,
		protocol.CmdStopReceiving:        true,
		protocol.CmdRequestLatestPackage: true,
	},
}

func newHybridSession(conn *websocket.Conn, room Room, role protocol.Channel, clientID string, log *slog.Logger) *hybridSession {
	if log == nil {
		log = slog.Default()
	}
	s := &hybridSession{
		log:      log.With("component", "hybrid", "room", room.Key(), "role", role, "client", clientID),
		conn:     conn,
		room:     room,
		role:     role,
		clientID: clientID,
		requests: make(chan struct{}, 1),
		lastSent: -1,
	}
	return s
}

// Run reads client messages until the connection fails or ctx is done.
func (s *hybridSession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	defer stop()
	defer s.conn.Close()

	if s.role == protocol.ChannelViewer {
		go s.replyLoop(ctx)
	}

	s.conn.SetReadLimit(maxIngestMessage)
	s.log.Info("hybrid session started")
	defer func() {
		s.log.Info("hybrid session ended",
			"submitted", s.submitted.Load(),
			"rejected", s.rejected.Load(),
			"ignored", s.ignored.Load(),
			"replies", s.replies.Load())
	}()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if mt != websocket.BinaryMessage {
			s.log.Debug("ignoring non-binary message", "type", mt)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("bad hybrid message", "error", err)
			s.sendText(fmt.Sprintf("invalid message: %v", err))
			continue
		}

		switch msg.Tag {
		case protocol.TagJSONCommand:
			s.handleCommand(ctx, *msg.Command)
		case protocol.TagImageFrame:
			if err := s.handleImage(msg.Image); err != nil {
				s.sendText(err.Error())
				return nil
			}
		}
	}
}

func (s *hybridSession) handleCommand(ctx context.Context, cmd protocol.Command) {
	if !cmd.IsControl() {
		s.log.Info("client message", "channel", cmd.Channel, "command", cmd.Command, "payload", string(cmd.Payload))
		return
	}
	if cmd.Channel != s.role || !allowedCommands[s.role][cmd.Command] {
		s.log.Warn("command not allowed for role", "channel", cmd.Channel, "command", cmd.Command)
		return
	}

	switch cmd.Command {
	case protocol.CmdStartStream:
		s.streaming.Store(true)
		s.sendText("stream started")
	case protocol.CmdStopStream:
		s.streaming.Store(false)
		s.sendText("stream stopped")
	case protocol.CmdStartReceiving:
		s.receiving.Store(true)
	case protocol.CmdStopReceiving:
		s.receiving.Store(false)
	case protocol.CmdRequestLatestPackage:
		if !s.receiving.Load() {
			s.log.Debug("latest package requested while not receiving")
			return
		}
		// At most one request is held while a reply is pending.
		select {
		case s.requests <- struct{}{}:
		default:
		}
	}
}

// replyLoop answers each request with the first frame newer than the
// previous reply. Only this goroutine touches lastSent.
func (s *hybridSession) replyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.requests:
		}

		frame := s.room.Relay().WaitNewer(ctx, s.lastSent)
		if frame == nil {
			return
		}
		if !s.receiving.Load() {
			continue
		}

		if err := s.write(protocol.EncodeImageFrame(uint32(frame.Sequence), frame.Payload)); err != nil {
			s.log.Debug("reply write failed", "seq", frame.Sequence, "error", err)
			s.conn.Close()
			return
		}
		s.lastSent = int64(frame.Sequence)
		s.replies.Add(1)
	}
}

// handleImage submits a streamer's frame. It returns an error only when
// the room has closed and the session should end.
func (s *hybridSession) handleImage(img *protocol.ImageFrame) error {
	if s.role != protocol.ChannelStreamer || !s.streaming.Load() {
		s.ignored.Add(1)
		return nil
	}

	// IMAGE_FRAME carries no capture time, so arrival time stands in.
	if _, err := s.room.Submit(time.Now().UnixMilli(), img.Data); err != nil {
		s.rejected.Add(1)
		if errors.Is(err, ErrRoomClosed) {
			return err
		}
		s.log.Debug("frame rejected", "frameId", img.FrameID, "error", err)
		return nil
	}
	s.submitted.Add(1)
	return nil
}

func (s *hybridSession) sendText(text string) {
	b, err := protocol.EncodeText(s.role, text)
	if err != nil {
		return
	}
	if err := s.write(b); err != nil {
		s.log.Debug("text write failed", "error", err)
	}
}

func (s *hybridSession) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, b)
}
