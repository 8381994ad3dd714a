package distribution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/zsiec/framerelay/internal/certs"
	"github.com/zsiec/framerelay/internal/media"
	"github.com/zsiec/framerelay/internal/protocol"
)

// QUICALPN is the ALPN protocol QUIC viewers must negotiate.
const QUICALPN = "framerelay"

// QUIC connection close codes sent to viewers via CloseWithError.
const (
	quicErrNone         quic.ApplicationErrorCode = 0
	quicErrBadRequest   quic.ApplicationErrorCode = 1
	quicErrRoomNotFound quic.ApplicationErrorCode = 2
	quicErrInternal     quic.ApplicationErrorCode = 3
)

// subscribeTimeout bounds how long a new connection may take to name its
// room.
const subscribeTimeout = 10 * time.Second

// maxRoomLine bounds the subscribe request on the control stream.
const maxRoomLine = 256

// QUICServerConfig configures the QUIC viewer listener.
type QUICServerConfig struct {
	Addr   string
	Cert   *certs.CertInfo
	Rooms  RoomProvider
	Logger *slog.Logger
}

// QUICServer accepts QUIC viewers. A viewer opens a bidirectional stream,
// writes the room name followed by a newline, and reads "OK\n" back. The
// server then opens a unidirectional stream and writes every relayed frame
// to it using protocol.WriteFrame.
type QUICServer struct {
	config QUICServerConfig
	log    *slog.Logger
	ln     *quic.Listener
}

// NewQUICServer validates config and returns an unstarted server.
func NewQUICServer(config QUICServerConfig) (*QUICServer, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.Rooms == nil {
		return nil, errors.New("distribution: Rooms is required")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &QUICServer{config: config, log: log.With("component", "quic")}, nil
}

// Listen binds the UDP socket. Start calls it if it has not been called.
func (s *QUICServer) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := quic.ListenAddr(s.config.Addr, s.config.Cert.TLSConfig(QUICALPN), &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", s.config.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *QUICServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start accepts viewers until ctx is cancelled.
func (s *QUICServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.log.Info("QUIC viewer listener started", "addr", s.ln.Addr())

	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *QUICServer) handleConn(ctx context.Context, conn quic.Connection) {
	log := s.log.With("remote", conn.RemoteAddr().String())

	room, err := s.subscribe(ctx, conn)
	if err != nil {
		log.Warn("QUIC subscribe failed", "error", err)
		code := quicErrBadRequest
		if errors.Is(err, errRoomUnavailable) {
			code = quicErrRoomNotFound
		}
		_ = conn.CloseWithError(code, err.Error())
		return
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		log.Warn("open frame stream failed", "error", err)
		_ = conn.CloseWithError(quicErrInternal, "open stream failed")
		return
	}

	viewer := newQUICViewer(stream, conn.RemoteAddr().String(), log)
	relay := room.Relay()
	relay.AddViewer(viewer)
	defer relay.RemoveViewer(viewer.ID())

	if err := viewer.Run(conn.Context()); err != nil {
		log.Debug("QUIC viewer ended", "viewer", viewer.ID(), "error", err)
	}
	_ = conn.CloseWithError(quicErrNone, "")
}

var errRoomUnavailable = errors.New("room unavailable")

// subscribe reads the room name from the first bidirectional stream and
// acknowledges it.
func (s *QUICServer) subscribe(ctx context.Context, conn quic.Connection) (Room, error) {
	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	str, err := conn.AcceptStream(subCtx)
	if err != nil {
		return nil, fmt.Errorf("accept control stream: %w", err)
	}
	defer str.Close()

	_ = str.SetReadDeadline(time.Now().Add(subscribeTimeout))
	line, err := bufio.NewReaderSize(str, maxRoomLine).ReadSlice('\n')
	if err != nil {
		return nil, fmt.Errorf("read room name: %w", err)
	}
	key := strings.TrimSpace(string(line))

	room, err := s.config.Rooms.Open(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errRoomUnavailable, key, err)
	}
	if _, err := str.Write([]byte("OK\n")); err != nil {
		return nil, fmt.Errorf("write subscribe ack: %w", err)
	}
	return room, nil
}

// quicViewer pushes relayed frames on a unidirectional QUIC stream.
type quicViewer struct {
	log    *slog.Logger
	stream quic.SendStream
	state  *pushState
}

func newQUICViewer(stream quic.SendStream, remoteAddr string, log *slog.Logger) *quicViewer {
	id := "quic-" + uuid.NewString()
	return &quicViewer{
		log:    log.With("viewer", id),
		stream: stream,
		state:  newPushState(id, TransportQUIC, remoteAddr),
	}
}

func (v *quicViewer) ID() string { return v.state.id }

func (v *quicViewer) Send(frame *media.Frame) error { return v.state.trySend(frame) }

func (v *quicViewer) Stats() ViewerStats { return v.state.stats() }

// Run writes queued frames until ctx is done or a write fails.
func (v *quicViewer) Run(ctx context.Context) error {
	defer v.stream.Close()

	for {
		select {
		case <-ctx.Done():
			v.state.markClosed(ctx.Err())
			return nil
		case frame := <-v.state.frames:
			_ = v.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
			n, err := protocol.WriteFrame(v.stream, frame)
			if err != nil {
				v.state.markClosed(err)
				return err
			}
			v.state.recordWrite(frame, n)
		}
	}
}
