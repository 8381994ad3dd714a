package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/framerelay/internal/certs"
	"github.com/zsiec/framerelay/internal/ingest"
	"github.com/zsiec/framerelay/internal/protocol"
)

// Room resolution errors returned by RoomProvider.Open implementations.
var (
	ErrInvalidRoom  = errors.New("invalid room key")
	ErrTooManyRooms = errors.New("room limit reached")
)

// ErrRoomClosed is returned by Room.Submit once the room has been removed
// or shut down. Producer sessions end when they see it.
var ErrRoomClosed = errors.New("room closed")

// DefaultRoom is the room used when a request names none.
const DefaultRoom = "default"

// ackInvalid is sent to a producer whose message is not a valid envelope.
const ackInvalid = "Invalid frame"

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

var roomKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRoomKey reports whether key is usable as a room key.
func ValidRoomKey(key string) bool {
	return roomKeyPattern.MatchString(key)
}

// ServerConfig holds the configuration for the HTTP server.
type ServerConfig struct {
	Addr        string
	H3Addr      string
	QUICAddr    string
	DefaultRoom string
	Cert        *certs.CertInfo
	Rooms       RoomProvider
	Logger      *slog.Logger

	// SRT pull management; the endpoints answer 501 when unset.
	SRTPull SRTPullFunc
	SRTStop SRTStopFunc
	SRTList SRTListFunc
}

// Server serves the browser-facing WebSocket endpoints and the REST API
// over HTTP/1.1, and optionally mirrors the REST API over HTTP/3.
type Server struct {
	config   ServerConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
	control  *controlHub
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.Rooms == nil {
		return nil, errors.New("distribution: Rooms is required")
	}
	if config.H3Addr != "" && config.Cert == nil {
		return nil, errors.New("distribution: Cert is required for HTTP/3")
	}
	if config.DefaultRoom == "" {
		config.DefaultRoom = DefaultRoom
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config: config,
		log:    log.With("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			// SECURITY: CheckOrigin accepts all origins. Camera and display
			// pages are commonly served from a different origin during
			// development; deployments should enforce origins at the proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		control: newControlHub(log),
	}, nil
}

// registerAPIRoutes registers the REST API endpoints on the given mux.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	mux.HandleFunc("GET /api/rooms/{room}/debug", s.handleRoomDebug)
	mux.HandleFunc("DELETE /api/rooms/{room}", s.handleRemoveRoom)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", s.handleSRTPullOptions)
}

// APIHandler returns the REST API alone, as served over HTTP/3.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return corsMiddleware(mux)
}

// Handler returns the full HTTP handler: WebSocket endpoints plus the REST
// API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	mux.HandleFunc("GET /api/send-image", s.handleSendImage)
	mux.HandleFunc("GET /api/display-image", s.handleDisplayImage)
	mux.HandleFunc("GET /api/socket", s.handleControl)
	mux.HandleFunc("GET /ws/{room}/{role}/{clientID}", s.handleHybrid)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves HTTP on config.Addr and blocks until ctx is cancelled, then
// shuts down gracefully. WebSocket sessions end with ctx.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP shutdown incomplete", "error", err)
		}
		return nil
	}
}

// StartH3 serves the REST API over HTTP/3 on config.H3Addr and blocks until
// ctx is cancelled.
func (s *Server) StartH3(ctx context.Context) error {
	if s.config.H3Addr == "" {
		return errors.New("distribution: H3Addr not configured")
	}
	srv := &http3.Server{
		Addr:      s.config.H3Addr,
		Handler:   s.APIHandler(),
		TLSConfig: http3.ConfigureTLSConfig(s.config.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}

	s.log.Info("HTTP/3 API listening", "addr", s.config.H3Addr)

	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) roomKey(r *http.Request) string {
	if key := r.URL.Query().Get("room"); key != "" {
		return key
	}
	return s.config.DefaultRoom
}

// openRoom resolves key, writing an error response on failure.
func (s *Server) openRoom(w http.ResponseWriter, key string) (Room, bool) {
	room, err := s.config.Rooms.Open(key)
	switch {
	case err == nil:
		return room, true
	case errors.Is(err, ErrInvalidRoom):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTooManyRooms):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	return nil, false
}

func (s *Server) handleSendImage(w http.ResponseWriter, r *http.Request) {
	room, ok := s.openRoom(w, s.roomKey(r))
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed (send-image)", "error", err)
		return
	}
	s.runProducer(r.Context(), room, conn)
}

// runProducer reads ingest envelopes and acknowledges each one in order.
// Text messages carry the JSON envelope, binary messages the msgpack one.
func (s *Server) runProducer(ctx context.Context, room Room, conn *websocket.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log := s.log.With("room", room.Key(), "remote", conn.RemoteAddr().String())
	log.Info("producer connected")

	conn.SetReadLimit(maxIngestMessage)
	var accepted, skipped, invalid int64
	defer func() {
		log.Info("producer disconnected", "accepted", accepted, "skipped", skipped, "invalid", invalid)
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		reply := ackInvalid
		env, err := decodeEnvelope(mt, data)
		if err != nil {
			invalid++
			log.Warn("bad ingest message", "error", err)
		} else {
			_, err = room.Submit(env.Timestamp, env.Data)
			reply = ingest.Ack(err)
			if err != nil {
				skipped++
			} else {
				accepted++
			}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if werr := conn.WriteMessage(websocket.TextMessage, []byte(reply)); werr != nil {
			return
		}
		if errors.Is(err, ErrRoomClosed) {
			log.Info("room closed, ending producer session")
			return
		}
	}
}

func decodeEnvelope(messageType int, data []byte) (protocol.Envelope, error) {
	if messageType == websocket.BinaryMessage {
		return protocol.DecodeMsgpackEnvelope(data)
	}
	return protocol.DecodeJSONEnvelope(data)
}

func (s *Server) handleDisplayImage(w http.ResponseWriter, r *http.Request) {
	room, ok := s.openRoom(w, s.roomKey(r))
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed (display-image)", "error", err)
		return
	}

	viewer := newWSViewer(conn, s.log.With("room", room.Key()))
	relay := room.Relay()
	relay.AddViewer(viewer)
	defer relay.RemoveViewer(viewer.ID())

	if err := viewer.Run(r.Context()); err != nil {
		s.log.Debug("websocket viewer ended", "viewer", viewer.ID(), "error", err)
	}
}

func (s *Server) handleHybrid(w http.ResponseWriter, r *http.Request) {
	role := protocol.Channel(r.PathValue("role"))
	if role != protocol.ChannelStreamer && role != protocol.ChannelViewer {
		writeError(w, http.StatusBadRequest, "role must be streamer or viewer")
		return
	}
	clientID := r.PathValue("clientID")
	if !ValidRoomKey(clientID) {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return
	}
	room, ok := s.openRoom(w, r.PathValue("room"))
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed (hybrid)", "error", err)
		return
	}

	sess := newHybridSession(conn, room, role, clientID, s.log)
	if err := sess.Run(r.Context()); err != nil {
		s.log.Debug("hybrid session error", "client", clientID, "error", err)
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	key := s.roomKey(r)
	if !ValidRoomKey(key) {
		writeError(w, http.StatusBadRequest, ErrInvalidRoom.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed (socket)", "error", err)
		return
	}
	s.control.serve(r.Context(), key, conn)
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Rooms: len(s.config.Rooms.List())})
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	resp := s.config.Rooms.List()
	if resp == nil {
		resp = make([]RoomSnapshot, 0)
	}
	for i := range resp {
		resp[i].Sessions = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoomDebug(w http.ResponseWriter, r *http.Request) {
	room, ok := s.config.Rooms.Get(r.PathValue("room"))
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, room.Snapshot())
}

func (s *Server) handleRemoveRoom(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("room")
	if !s.config.Rooms.Remove(key) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "room": key})
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate configured")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.QUICAddr,
	})
}
