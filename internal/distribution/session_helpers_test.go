package distribution

import (
	"errors"
	"testing"

	"github.com/zsiec/framerelay/internal/media"
)

func TestPushStateDropsWhenFull(t *testing.T) {
	t.Parallel()

	p := newPushState("v", TransportWebSocket, "127.0.0.1:1")
	for seq := uint64(0); seq < media.ViewerBufferSize+3; seq++ {
		if err := p.trySend(testFrame(seq)); err != nil {
			t.Fatalf("trySend(%d): %v", seq, err)
		}
	}

	if got := len(p.frames); got != media.ViewerBufferSize {
		t.Errorf("buffered: got %d, want %d", got, media.ViewerBufferSize)
	}
	if s := p.stats(); s.Dropped != 3 {
		t.Errorf("Dropped: got %d, want 3", s.Dropped)
	}

	// The oldest frames are the ones kept; later ones were dropped.
	if f := <-p.frames; f.Sequence != 0 {
		t.Errorf("first buffered frame: seq %d, want 0", f.Sequence)
	}
}

func TestPushStateClosedReportsFailure(t *testing.T) {
	t.Parallel()

	p := newPushState("v", TransportQUIC, "")
	boom := errors.New("write failed")
	p.markClosed(boom)
	p.markClosed(errors.New("later"))

	if err := p.trySend(testFrame(0)); !errors.Is(err, errViewerClosed) {
		t.Errorf("trySend after close: got %v, want errViewerClosed", err)
	}
	if !errors.Is(p.err(), boom) {
		t.Errorf("err: got %v, want first close reason", p.err())
	}
}

func TestPushStateStats(t *testing.T) {
	t.Parallel()

	p := newPushState("v9", TransportQUIC, "10.0.0.1:4000")
	if s := p.stats(); s.LastSequence != -1 {
		t.Errorf("LastSequence before writes: got %d, want -1", s.LastSequence)
	}

	p.recordWrite(testFrame(7), 120)
	p.recordWrite(testFrame(8), 80)

	s := p.stats()
	if s.ID != "v9" || s.Transport != TransportQUIC || s.RemoteAddr != "10.0.0.1:4000" {
		t.Errorf("identity fields: %+v", s)
	}
	if s.Sent != 2 || s.BytesSent != 200 || s.LastSequence != 8 {
		t.Errorf("counters: %+v", s)
	}
	if s.ConnectedAt == 0 {
		t.Error("ConnectedAt not set")
	}
}
