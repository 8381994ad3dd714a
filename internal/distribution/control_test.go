package distribution

import (
	"testing"

	"github.com/gorilla/websocket"

	"github.com/zsiec/framerelay/internal/media"
)

func TestControlHubBroadcastSkipsSender(t *testing.T) {
	t.Parallel()

	h := newControlHub(nil)
	a := h.join("room")
	b := h.join("room")
	c := h.join("room")
	other := h.join("elsewhere")

	if n := h.broadcast("room", a.id, controlMessage{kind: websocket.TextMessage, data: []byte(`{"x":1}`)}); n != 2 {
		t.Fatalf("delivered to %d clients, want 2", n)
	}

	for _, cl := range []*controlClient{b, c} {
		select {
		case msg := <-cl.send:
			if msg.kind != websocket.TextMessage || string(msg.data) != `{"x":1}` {
				t.Errorf("client %s got %d %q", cl.id, msg.kind, msg.data)
			}
		default:
			t.Errorf("client %s got nothing", cl.id)
		}
	}
	if len(a.send) != 0 {
		t.Error("sender received its own message")
	}
	if len(other.send) != 0 {
		t.Error("message leaked to another room")
	}
}

func TestControlHubDropsForSlowClient(t *testing.T) {
	t.Parallel()

	h := newControlHub(nil)
	sender := h.join("room")
	slow := h.join("room")

	for i := 0; i < media.ControlBufferSize+5; i++ {
		h.broadcast("room", sender.id, controlMessage{kind: websocket.TextMessage, data: []byte("m")})
	}
	if len(slow.send) != media.ControlBufferSize {
		t.Errorf("buffered: got %d, want %d", len(slow.send), media.ControlBufferSize)
	}
}

func TestControlHubLeave(t *testing.T) {
	t.Parallel()

	h := newControlHub(nil)
	a := h.join("room")
	b := h.join("room")
	if h.count("room") != 2 {
		t.Fatalf("count: got %d, want 2", h.count("room"))
	}

	h.leave("room", a)
	h.leave("room", b)
	if h.count("room") != 0 {
		t.Errorf("count after leave: got %d", h.count("room"))
	}
	h.mu.RLock()
	_, ok := h.rooms["room"]
	h.mu.RUnlock()
	if ok {
		t.Error("empty room not cleaned up")
	}
}
