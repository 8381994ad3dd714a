package distribution

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/framerelay/internal/media"
)

// errViewerClosed is returned by Send once a session's connection is gone.
var errViewerClosed = errors.New("distribution: viewer closed")

// ViewerStats captures per-viewer delivery metrics for the debug API.
type ViewerStats struct {
	ID           string `json:"id"`
	Transport    string `json:"transport"`
	RemoteAddr   string `json:"remoteAddr,omitempty"`
	Sent         int64  `json:"sent"`
	Dropped      int64  `json:"dropped"`
	BytesSent    int64  `json:"bytesSent"`
	LastSequence int64  `json:"lastSequence"`
	ConnectedAt  int64  `json:"connectedAt"`
	UptimeMs     int64  `json:"uptimeMs"`
}

// pushState is the bookkeeping shared by the push viewer sessions: a
// bounded frame channel, a closed flag, and delivery counters.
type pushState struct {
	id          string
	transport   string
	remoteAddr  string
	connectedAt time.Time

	frames    chan *media.Frame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  atomic.Pointer[error]

	sent         atomic.Int64
	dropped      atomic.Int64
	bytesSent    atomic.Int64
	lastSequence atomic.Int64
}

func newPushState(id, transport, remoteAddr string) *pushState {
	p := &pushState{
		id:          id,
		transport:   transport,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		frames:      make(chan *media.Frame, media.ViewerBufferSize),
		done:        make(chan struct{}),
	}
	p.lastSequence.Store(-1)
	return p
}

// trySend queues frame without blocking. A full buffer drops the frame and
// counts it; a closed session reports errViewerClosed.
func (p *pushState) trySend(frame *media.Frame) error {
	select {
	case <-p.done:
		return errViewerClosed
	default:
	}

	select {
	case p.frames <- frame:
	default:
		p.dropped.Add(1)
	}
	return nil
}

// markClosed records why the session ended. Only the first call wins.
func (p *pushState) markClosed(err error) {
	p.closeOnce.Do(func() {
		if err != nil {
			p.closeErr.Store(&err)
		}
		close(p.done)
	})
}

func (p *pushState) err() error {
	if e := p.closeErr.Load(); e != nil {
		return *e
	}
	return nil
}

func (p *pushState) recordWrite(frame *media.Frame, n int64) {
	p.sent.Add(1)
	p.bytesSent.Add(n)
	p.lastSequence.Store(int64(frame.Sequence))
}

func (p *pushState) stats() ViewerStats {
	return ViewerStats{
		ID:           p.id,
		Transport:    p.transport,
		RemoteAddr:   p.remoteAddr,
		Sent:         p.sent.Load(),
		Dropped:      p.dropped.Load(),
		BytesSent:    p.bytesSent.Load(),
		LastSequence: p.lastSequence.Load(),
		ConnectedAt:  p.connectedAt.UnixMilli(),
		UptimeMs:     time.Since(p.connectedAt).Milliseconds(),
	}
}
