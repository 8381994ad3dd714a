package distribution

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/framerelay/internal/media"
)

// Viewer is the interface a viewer session must implement to receive frames
// from a Relay. Send must not block; a non-nil error means the session is
// gone and the relay drops it.
type Viewer interface {
	ID() string
	Send(frame *media.Frame) error
	Stats() ViewerStats
}

// RelayStats counts fan-out activity for the debug API.
type RelayStats struct {
	Broadcasts     int64 `json:"broadcasts"`
	FailedSends    int64 `json:"failedSends"`
	LatestSequence int64 `json:"latestSequence"`
	LatestBytes    int   `json:"latestBytes"`
	Viewers        int   `json:"viewers"`
}

// Relay is the fan-out hub for a single room. The pacer hands it one frame
// per tick; it forwards that frame to every push viewer and keeps it as the
// latest frame for pull viewers.
type Relay struct {
	log *slog.Logger

	mu      sync.RWMutex
	viewers map[string]Viewer

	latestMu    sync.Mutex
	latest      *media.Frame
	latestReady chan struct{}

	broadcasts  atomic.Int64
	failedSends atomic.Int64
}

// NewRelay creates a Relay with no viewers.
func NewRelay(roomKey string) *Relay {
	return &Relay{
		log:         slog.With("component", "relay", "room", roomKey),
		viewers:     make(map[string]Viewer),
		latestReady: make(chan struct{}),
	}
}

// AddViewer registers a viewer for live frame delivery.
func (r *Relay) AddViewer(v Viewer) {
	r.mu.Lock()
	r.viewers[v.ID()] = v
	n := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer added", "viewer", v.ID(), "viewers", n)
}

// RemoveViewer unregisters a viewer by ID. Removing an unknown ID is a no-op.
func (r *Relay) RemoveViewer(id string) {
	r.mu.Lock()
	_, ok := r.viewers[id]
	delete(r.viewers, id)
	n := len(r.viewers)
	r.mu.Unlock()

	if ok {
		r.log.Info("viewer removed", "viewer", id, "viewers", n)
	}
}

// Broadcast sends frame to every registered viewer and records it as the
// latest frame. Sends happen outside the lock; viewers whose Send fails are
// removed before Broadcast returns.
func (r *Relay) Broadcast(frame *media.Frame) {
	r.latestMu.Lock()
	r.latest = frame
	close(r.latestReady)
	r.latestReady = make(chan struct{})
	r.latestMu.Unlock()

	r.broadcasts.Add(1)

	r.mu.RLock()
	targets := make([]Viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		targets = append(targets, v)
	}
	r.mu.RUnlock()

	var failed []string
	for _, v := range targets {
		if err := v.Send(frame); err != nil {
			r.failedSends.Add(1)
			r.log.Debug("send failed, dropping viewer", "viewer", v.ID(), "error", err)
			failed = append(failed, v.ID())
		}
	}

	for _, id := range failed {
		r.RemoveViewer(id)
	}
}

// Latest returns the most recently broadcast frame, or nil before the first.
func (r *Relay) Latest() *media.Frame {
	r.latestMu.Lock()
	defer r.latestMu.Unlock()
	return r.latest
}

// WaitNewer blocks until a frame with a sequence greater than after has
// been broadcast, or ctx is done. Pass -1 to accept any frame. It returns
// nil if ctx ends first.
func (r *Relay) WaitNewer(ctx context.Context, after int64) *media.Frame {
	for {
		r.latestMu.Lock()
		latest, ready := r.latest, r.latestReady
		r.latestMu.Unlock()

		if latest != nil && int64(latest.Sequence) > after {
			return latest
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
	}
}

// ViewerCount returns the number of currently registered viewers.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// ViewerStatsAll returns delivery metrics for every registered viewer.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ViewerStats, 0, len(r.viewers))
	for _, v := range r.viewers {
		stats = append(stats, v.Stats())
	}
	return stats
}

// Stats returns fan-out counters.
func (r *Relay) Stats() RelayStats {
	s := RelayStats{
		Broadcasts:     r.broadcasts.Load(),
		FailedSends:    r.failedSends.Load(),
		LatestSequence: -1,
		Viewers:        r.ViewerCount(),
	}
	if f := r.Latest(); f != nil {
		s.LatestSequence = int64(f.Sequence)
		s.LatestBytes = f.Size()
	}
	return s
}
