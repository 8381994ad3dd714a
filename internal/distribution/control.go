package distribution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsiec/framerelay/internal/media"
)

// controlHub relays messages, such as remote input changes or shared
// images, from one client to every other client in the same room. Text and
// binary messages keep their type. Messages are not paced or validated; a
// client that falls behind loses messages.
type controlHub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*controlClient
}

type controlClient struct {
	id   string
	send chan controlMessage
}

// controlMessage is one relayed message and its WebSocket message type.
type controlMessage struct {
	kind int
	data []byte
}

func newControlHub(log *slog.Logger) *controlHub {
	if log == nil {
		log = slog.Default()
	}
	return &controlHub{
		log:   log.With("component", "control"),
		rooms: make(map[string]map[string]*controlClient),
	}
}

func (h *controlHub) join(room string) *controlClient {
	c := &controlClient{
		id:   uuid.NewString(),
		send: make(chan controlMessage, media.ControlBufferSize),
	}
	h.mu.Lock()
	clients := h.rooms[room]
	if clients == nil {
		clients = make(map[string]*controlClient)
		h.rooms[room] = clients
	}
	clients[c.id] = c
	n := len(clients)
	h.mu.Unlock()

	h.log.Debug("control client joined", "room", room, "client", c.id, "clients", n)
	return c
}

func (h *controlHub) leave(room string, c *controlClient) {
	h.mu.Lock()
	if clients := h.rooms[room]; clients != nil {
		delete(clients, c.id)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// broadcast queues msg for every client in room except the sender. It
// returns the number of clients the message was queued for.
func (h *controlHub) broadcast(room, fromID string, msg controlMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id, c := range h.rooms[room] {
		if id == fromID {
			continue
		}
		select {
		case c.send <- msg:
			delivered++
		default:
			h.log.Debug("control client slow, message dropped", "room", room, "client", id)
		}
	}
	return delivered
}

func (h *controlHub) count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// serve runs one control connection until it closes or ctx is done.
func (h *controlHub) serve(ctx context.Context, room string, conn *websocket.Conn) {
	c := h.join(room)
	defer h.leave(room, c)
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.send:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(msg.kind, msg.data); err != nil {
					return
				}
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadLimit(maxIngestMessage)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.broadcast(room, c.id, controlMessage{kind: mt, data: data})
	}
}
