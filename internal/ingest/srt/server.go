package srt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framerelay/internal/distribution"
)

// Server accepts incoming SRT publish connections and feeds their frames
// into the room named by the stream ID. A room has at most one SRT
// publisher at a time.
type Server struct {
	log  *slog.Logger
	addr string
	open RoomOpener
	ln   *srtgo.Listener

	mu         sync.Mutex
	publishing map[string]string
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, open RoomOpener, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:        log.With("component", "srt-server"),
		addr:       addr,
		open:       open,
		publishing: make(map[string]string),
	}
}

// Listen binds the SRT listener. Start calls it if it has not been called.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	l, err := srtgo.Listen(s.addr, NewConfig(""))
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		key := extractRoomKey(req.StreamID)
		if !distribution.ValidRoomKey(key) || s.isPublishing(key) {
			return srtgo.RejPeer
		}
		return 0
	})
	s.ln = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	l := s.ln
	s.log.Info("listening", "addr", l.Addr())

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("SRT accept: %w", err)
		}

		key := extractRoomKey(conn.StreamID())
		s.log.Info("publish", "room", key, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) isPublishing(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.publishing[key]
	return ok
}

// claim registers conn as the room's publisher, failing if another holds
// it.
func (s *Server) claim(key, remote string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.publishing[key]; ok {
		return false
	}
	s.publishing[key] = remote
	return true
}

func (s *Server) release(key string) {
	s.mu.Lock()
	delete(s.publishing, key)
	s.mu.Unlock()
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := fmt.Sprint(conn.RemoteAddr())
	if !s.claim(key, remote) {
		s.log.Warn("room already has an SRT publisher", "room", key, "remote", remote)
		return
	}
	defer s.release(key)

	sub, err := s.open(key)
	if err != nil {
		s.log.Warn("room unavailable", "room", key, "error", err)
		return
	}

	st, err := serveEnvelopes(ctx, conn, sub)
	if err != nil && ctx.Err() == nil {
		s.log.Debug("session error", "room", key, "error", err)
	}
	s.log.Info("connection closed", "room", key,
		"accepted", st.accepted, "skipped", st.skipped, "bytes", st.bytes)
}
