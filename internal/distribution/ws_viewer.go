package distribution

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsiec/framerelay/internal/media"
)

// wsViewer pushes every relayed frame to a browser as one binary WebSocket
// message. The write loop is the connection's only writer.
type wsViewer struct {
	log   *slog.Logger
	conn  *websocket.Conn
	state *pushState
}

func newWSViewer(conn *websocket.Conn, log *slog.Logger) *wsViewer {
	id := "ws-" + uuid.NewString()
	if log == nil {
		log = slog.Default()
	}
	return &wsViewer{
		log:   log.With("viewer", id),
		conn:  conn,
		state: newPushState(id, TransportWebSocket, conn.RemoteAddr().String()),
	}
}

func (v *wsViewer) ID() string { return v.state.id }

func (v *wsViewer) Send(frame *media.Frame) error { return v.state.trySend(frame) }

func (v *wsViewer) Stats() ViewerStats { return v.state.stats() }

// Run writes queued frames until ctx is done, the peer goes away, or a
// write fails. It closes the connection before returning.
func (v *wsViewer) Run(ctx context.Context) error {
	defer v.conn.Close()
	go v.readLoop()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			v.state.markClosed(ctx.Err())
			_ = v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second))
			return nil

		case <-v.state.done:
			return v.state.err()

		case frame := <-v.state.frames:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := v.conn.WriteMessage(websocket.BinaryMessage, frame.Payload); err != nil {
				v.log.Debug("frame write failed", "seq", frame.Sequence, "error", err)
				v.state.markClosed(err)
				return err
			}
			v.state.recordWrite(frame, int64(frame.Size()))

		case <-ping.C:
			if err := v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				v.state.markClosed(err)
				return err
			}
		}
	}
}

// readLoop discards inbound messages and notices when the peer closes.
func (v *wsViewer) readLoop() {
	v.conn.SetReadLimit(4096)
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			v.state.markClosed(err)
			return
		}
	}
}
