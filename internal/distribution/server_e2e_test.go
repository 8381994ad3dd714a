package distribution_test

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"github.com/zsiec/framerelay/internal/certs"
	"github.com/zsiec/framerelay/internal/distribution"
	"github.com/zsiec/framerelay/internal/ingest"
	"github.com/zsiec/framerelay/internal/protocol"
	"github.com/zsiec/framerelay/internal/room"
)

func newManager(t *testing.T, fps int) *room.Manager {
	t.Helper()
	m := room.NewManager(room.Config{QueueCapacity: 2, TargetFPS: fps, MaxAge: time.Second}, nil)
	t.Cleanup(m.Close)
	return m
}

func waitViewers(t *testing.T, m *room.Manager, key string, n int) distribution.Room {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if r, ok := m.Get(key); ok && r.Relay().ViewerCount() == n {
			return r
		}
		if time.Now().After(deadline) {
			t.Fatalf("room %q never reached %d viewers", key, n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWebSocketIngestToDisplay(t *testing.T) {
	t.Parallel()

	mgr := newManager(t, 50)
	srv, err := distribution.NewServer(distribution.ServerConfig{Addr: ":0", Rooms: mgr})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	display, _, err := websocket.DefaultDialer.Dial(base+"/api/display-image?room=e2e", nil)
	if err != nil {
		t.Fatalf("dial display: %v", err)
	}
	defer display.Close()
	waitViewers(t, mgr, "e2e", 1)

	producer, _, err := websocket.DefaultDialer.Dial(base+"/api/send-image?room=e2e", nil)
	if err != nil {
		t.Fatalf("dial producer: %v", err)
	}
	defer producer.Close()

	const frames = 5
	for i := 0; i < frames; i++ {
		body, err := protocol.EncodeJSONEnvelope(protocol.Envelope{
			Timestamp: time.Now().UnixMilli(),
			Data:      []byte(fmt.Sprintf("jpeg-%d", i)),
		})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := producer.WriteMessage(websocket.TextMessage, body); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = producer.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, ack, err := producer.ReadMessage()
		if err != nil {
			t.Fatalf("read ack: %v", err)
		}
		if string(ack) != ingest.AckOK {
			t.Fatalf("frame %d ack: %q", i, ack)
		}
		// Slower than the 20ms period so no frame is evicted.
		time.Sleep(40 * time.Millisecond)
	}

	for i := 0; i < frames; i++ {
		_ = display.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := display.ReadMessage()
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if want := fmt.Sprintf("jpeg-%d", i); string(data) != want {
			t.Errorf("frame %d: got %q, want %q", i, data, want)
		}
	}
}

func TestQUICViewerReceivesFrames(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	mgr := newManager(t, 100)

	qs, err := distribution.NewQUICServer(distribution.QUICServerConfig{
		Addr:  "127.0.0.1:0",
		Cert:  cert,
		Rooms: mgr,
	})
	if err != nil {
		t.Fatalf("NewQUICServer: %v", err)
	}
	if err := qs.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = qs.Start(ctx) }()

	conn, err := quic.DialAddr(ctx, qs.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{distribution.QUICALPN},
	}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseWithError(0, "")

	ctrl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("open control stream: %v", err)
	}
	if _, err := ctrl.Write([]byte("quic-room\n")); err != nil {
		t.Fatalf("write room: %v", err)
	}
	ack := make([]byte, 3)
	if _, err := io.ReadFull(ctrl, ack); err != nil || string(ack) != "OK\n" {
		t.Fatalf("subscribe ack %q: %v", ack, err)
	}

	r := waitViewers(t, mgr, "quic-room", 1)
	if _, err := r.Submit(time.Now().UnixMilli(), []byte("over-quic")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	uni, err := conn.AcceptUniStream(ctx)
	if err != nil {
		t.Fatalf("accept frame stream: %v", err)
	}
	f, err := protocol.NewFrameReader(uni).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(f.Payload) != "over-quic" || f.Sequence != 0 {
		t.Errorf("frame: seq %d payload %q", f.Sequence, f.Payload)
	}
}
