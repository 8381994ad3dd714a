package srt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framerelay/internal/distribution"
	"github.com/zsiec/framerelay/internal/ingest"
	"github.com/zsiec/framerelay/internal/media"
	"github.com/zsiec/framerelay/internal/protocol"
)

func TestExtractRoomKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: distribution.DefaultRoom},
		{name: "just slash returns default", streamID: "/", want: distribution.DefaultRoom},
		{name: "just live/ returns default", streamID: "live/", want: distribution.DefaultRoom},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractRoomKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractRoomKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

// scriptedSubmitter rejects timestamps listed in reject.
type scriptedSubmitter struct {
	reject   map[int64]bool
	got      []int64
	payloads [][]byte
}

func (s *scriptedSubmitter) Submit(ts int64, payload []byte) (*media.Frame, error) {
	s.got = append(s.got, ts)
	s.payloads = append(s.payloads, payload)
	if s.reject[ts] {
		return nil, &ingest.RejectError{Reason: ingest.ErrStale, Timestamp: ts}
	}
	return &media.Frame{Timestamp: ts, Payload: payload}, nil
}

// msgConn delivers one queued message per Read, like an SRT connection
// in message mode, and records each Write as one reply.
type msgConn struct {
	in       [][]byte
	out      []string
	readErr  error
	writeErr error
}

func (c *msgConn) Read(b []byte) (int, error) {
	if len(c.in) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	n := copy(b, c.in[0])
	c.in = c.in[1:]
	return n, nil
}

func (c *msgConn) Write(b []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.out = append(c.out, string(b))
	return len(b), nil
}

func envelopeMessage(ts int64, data string) []byte {
	return protocol.AppendBinaryEnvelope(nil, protocol.Envelope{Timestamp: ts, Data: []byte(data)})
}

func TestServeEnvelopesAcks(t *testing.T) {
	t.Parallel()

	conn := &msgConn{in: [][]byte{
		envelopeMessage(100, "jpeg"),
		envelopeMessage(200, "jpeg"),
		{1, 2, 3},
		envelopeMessage(300, "jpeg"),
	}}
	sub := &scriptedSubmitter{reject: map[int64]bool{200: true}}

	st, err := serveEnvelopes(context.Background(), conn, sub)
	if err != nil {
		t.Fatalf("serveEnvelopes: %v", err)
	}

	want := []string{ingest.AckOK + "\n", ingest.AckSkip + "\n", ackInvalid + "\n", ingest.AckOK + "\n"}
	if strings.Join(conn.out, "|") != strings.Join(want, "|") {
		t.Errorf("acks: got %q, want %q", conn.out, want)
	}

	if st.accepted != 2 || st.skipped != 1 || st.invalid != 1 || st.bytes != 12 {
		t.Errorf("stats: %+v", st)
	}
	if len(sub.got) != 3 || sub.got[2] != 300 {
		t.Errorf("submitted timestamps: %v", sub.got)
	}
}

func TestServeEnvelopesOwnsPayload(t *testing.T) {
	t.Parallel()

	conn := &msgConn{in: [][]byte{envelopeMessage(1, "first"), envelopeMessage(2, "later")}}
	sub := &scriptedSubmitter{}
	if _, err := serveEnvelopes(context.Background(), conn, sub); err != nil {
		t.Fatalf("serveEnvelopes: %v", err)
	}
	if len(sub.payloads) != 2 || string(sub.payloads[0]) != "first" || string(sub.payloads[1]) != "later" {
		t.Errorf("payloads: %q", sub.payloads)
	}
}

func TestServeEnvelopesOversize(t *testing.T) {
	t.Parallel()

	huge := make([]byte, maxEnvelopeMessage+1)
	conn := &msgConn{in: [][]byte{huge, envelopeMessage(7, "jpeg")}}
	sub := &scriptedSubmitter{}

	st, err := serveEnvelopes(context.Background(), conn, sub)
	if err != nil {
		t.Fatalf("serveEnvelopes: %v", err)
	}
	if len(conn.out) != 2 || conn.out[0] != ackInvalid+"\n" || conn.out[1] != ingest.AckOK+"\n" {
		t.Errorf("acks: %q", conn.out)
	}
	if st.invalid != 1 || len(sub.got) != 1 {
		t.Errorf("stats %+v, submitted %v", st, sub.got)
	}
}

func TestServeEnvelopesReadError(t *testing.T) {
	t.Parallel()

	conn := &msgConn{in: [][]byte{envelopeMessage(1, "jpeg")}, readErr: io.ErrUnexpectedEOF}
	st, err := serveEnvelopes(context.Background(), conn, &scriptedSubmitter{})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
	}
	if st.accepted != 1 {
		t.Errorf("accepted: got %d, want 1", st.accepted)
	}
}

func TestServeEnvelopesStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sub := &scriptedSubmitter{}
	conn := &msgConn{in: [][]byte{envelopeMessage(1, "jpeg")}}
	if _, err := serveEnvelopes(ctx, conn, sub); err != nil {
		t.Fatalf("serveEnvelopes: %v", err)
	}
	if len(sub.got) != 0 {
		t.Errorf("submitted after cancel: %v", sub.got)
	}
}

func TestServeEnvelopesWriteError(t *testing.T) {
	t.Parallel()

	conn := &msgConn{in: [][]byte{envelopeMessage(1, "jpeg")}, writeErr: io.ErrClosedPipe}
	_, err := serveEnvelopes(context.Background(), conn, &scriptedSubmitter{})
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("got %v, want io.ErrClosedPipe", err)
	}
}

// submitFunc adapts a function to Submitter.
type submitFunc func(ts int64, payload []byte) (*media.Frame, error)

func (f submitFunc) Submit(ts int64, payload []byte) (*media.Frame, error) { return f(ts, payload) }

func TestServeEnvelopesEndsWhenRoomCloses(t *testing.T) {
	t.Parallel()

	calls := 0
	sub := submitFunc(func(int64, []byte) (*media.Frame, error) {
		calls++
		return nil, fmt.Errorf("room %q: %w", "cam", distribution.ErrRoomClosed)
	})
	conn := &msgConn{in: [][]byte{envelopeMessage(1, "jpeg"), envelopeMessage(2, "jpeg")}}

	st, err := serveEnvelopes(context.Background(), conn, sub)
	if !errors.Is(err, distribution.ErrRoomClosed) {
		t.Fatalf("got %v, want ErrRoomClosed", err)
	}
	if calls != 1 || st.skipped != 1 {
		t.Errorf("calls %d, stats %+v", calls, st)
	}
	if len(conn.out) != 1 || conn.out[0] != ingest.AckSkip+"\n" {
		t.Errorf("acks: %q", conn.out)
	}
}

// TestServerLoopback publishes a frame much larger than one SRT packet
// through a real listener and dialer.
func TestServerLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SRT loopback in -short mode")
	}
	t.Parallel()

	type received struct {
		room string
		env  protocol.Envelope
	}
	got := make(chan received, 4)
	s := NewServer("127.0.0.1:0", func(key string) (Submitter, error) {
		return submitFunc(func(ts int64, payload []byte) (*media.Frame, error) {
			got <- received{room: key, env: protocol.Envelope{Timestamp: ts, Data: payload}}
			return &media.Frame{Timestamp: ts, Payload: payload}, nil
		}), nil
	}, nil)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Start(ctx)

	conn, err := srtgo.Dial(s.Addr().String(), NewConfig("live/cam"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

	payload := bytes.Repeat([]byte{0xd8}, 20000)
	if _, err := conn.Write(protocol.AppendBinaryEnvelope(nil, protocol.Envelope{Timestamp: 1234, Data: payload})); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read ack: %v", err)
	}
	if ack := string(buf[:n]); ack != ingest.AckOK+"\n" {
		t.Fatalf("ack: got %q, want %q", ack, ingest.AckOK+"\n")
	}

	select {
	case r := <-got:
		if r.room != "cam" {
			t.Errorf("room: got %q, want cam", r.room)
		}
		if r.env.Timestamp != 1234 || !bytes.Equal(r.env.Data, payload) {
			t.Errorf("frame: ts %d, %d bytes", r.env.Timestamp, len(r.env.Data))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame never reached the room")
	}

	if _, err := conn.Write([]byte{1, 2}); err != nil {
		t.Fatalf("Write short message: %v", err)
	}
	n, err = conn.Read(buf)
	if err != nil {
		t.Fatalf("Read ack: %v", err)
	}
	if ack := string(buf[:n]); ack != ackInvalid+"\n" {
		t.Errorf("ack for short message: got %q", ack)
	}

	if second, err := srtgo.Dial(s.Addr().String(), NewConfig("live/cam")); err == nil {
		second.Close()
		t.Error("second publisher admitted to the same room")
	}
}

func TestServerPublisherClaim(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", nil, nil)
	if !s.claim("cam", "a") {
		t.Fatal("first claim refused")
	}
	if s.claim("cam", "b") {
		t.Error("second publisher admitted")
	}
	if !s.isPublishing("cam") {
		t.Error("isPublishing false while claimed")
	}
	s.release("cam")
	if !s.claim("cam", "b") {
		t.Error("claim refused after release")
	}
}

func TestCallerPullValidation(t *testing.T) {
	t.Parallel()

	opened := 0
	c := NewCaller(func(string) (Submitter, error) {
		opened++
		return &scriptedSubmitter{}, nil
	}, nil)

	if err := c.Pull(context.Background(), PullRequest{Room: "cam"}); err == nil {
		t.Error("expected error for missing address")
	}
	err := c.Pull(context.Background(), PullRequest{Address: "127.0.0.1:1", Room: "bad room"})
	if !errors.Is(err, distribution.ErrInvalidRoom) {
		t.Errorf("got %v, want ErrInvalidRoom", err)
	}
	if opened != 0 {
		t.Errorf("room opened for invalid request")
	}
}

func TestCallerStopUnknown(t *testing.T) {
	t.Parallel()

	c := NewCaller(nil, nil)
	if err := c.Stop("nope"); err == nil {
		t.Error("expected error stopping unknown pull")
	}
	if pulls := c.ActivePulls(); len(pulls) != 0 {
		t.Errorf("ActivePulls: %v", pulls)
	}
}
