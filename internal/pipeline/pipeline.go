// Package pipeline drives paced delivery for a single room: it takes one
// frame from the room's queue per tick of a fixed-period clock and
// broadcasts it to every viewer via the relay.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/framerelay/internal/media"
	"github.com/zsiec/framerelay/internal/queue"
)

// DefaultFPS is the delivery rate used when none is configured.
const DefaultFPS = 20

// Source is the consumer side of the room queue. Dequeue blocks until a
// frame is available and returns queue.ErrClosed on shutdown.
type Source interface {
	Dequeue(ctx context.Context) (*media.Frame, error)
}

// Broadcaster is the subset of distribution.Relay that the pacer uses to
// fan out frames. Accepting an interface keeps the pacer testable with
// stubs.
type Broadcaster interface {
	Broadcast(frame *media.Frame)
	ViewerCount() int
}

// Stats captures delivery counters for the debug API.
type Stats struct {
	TargetFPS     int     `json:"targetFps"`
	PeriodMs      float64 `json:"periodMs"`
	Forwarded     int64   `json:"forwarded"`
	Overruns      int64   `json:"overruns"`
	LastSequence  int64   `json:"lastSequence"`
	AvgIntervalMs float64 `json:"avgIntervalMs"`
	UptimeMs      int64   `json:"uptimeMs"`
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithClock replaces the wall clock and the interruptible sleep. Both must
// agree on the passage of time.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pacer) {
		p.now = now
		p.sleep = sleep
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Pacer) {
		if log != nil {
			p.log = log
		}
	}
}

// Pacer bridges a room's queue and relay at a fixed output rate. Each tick
// it records the start time, blocks on Dequeue, broadcasts, then sleeps for
// whatever remains of the period. A tick that overruns its period starts
// the next one immediately; missed ticks are never replayed.
type Pacer struct {
	log       *slog.Logger
	source    Source
	relay     Broadcaster
	targetFPS int
	period    time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	startTime time.Time

	forwarded     atomic.Int64
	overruns      atomic.Int64
	lastSequence  atomic.Int64
	lastDelivery  atomic.Int64 // unix nanos
	avgIntervalNs atomic.Int64
}

// New creates a Pacer for roomKey that emits fps frames per second from
// source to relay. A non-positive fps falls back to DefaultFPS.
func New(roomKey string, source Source, relay Broadcaster, fps int, opts ...Option) *Pacer {
	if fps <= 0 {
		fps = DefaultFPS
	}
	p := &Pacer{
		log:       slog.Default(),
		source:    source,
		relay:     relay,
		targetFPS: fps,
		period:    time.Second / time.Duration(fps),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "pacer", "room", roomKey)
	p.lastSequence.Store(-1)
	p.startTime = p.now()
	return p
}

// Period returns the tick period derived from the target FPS.
func (p *Pacer) Period() time.Duration { return p.period }

// Run delivers frames until ctx is cancelled or the source is closed. Both
// are normal terminations and return nil.
func (p *Pacer) Run(ctx context.Context) error {
	p.log.Info("delivery loop started", "fps", p.targetFPS, "period", p.period)
	defer p.log.Info("delivery loop stopped", "forwarded", p.forwarded.Load(), "overruns", p.overruns.Load())

	for {
		if ctx.Err() != nil {
			return nil
		}

		tickStart := p.now()

		frame, err := p.source.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		p.forward(frame)

		elapsed := p.now().Sub(tickStart)
		wait := p.period - elapsed
		if wait <= 0 {
			p.overruns.Add(1)
			continue
		}
		if err := p.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (p *Pacer) forward(frame *media.Frame) {
	p.relay.Broadcast(frame)
	p.forwarded.Add(1)
	p.lastSequence.Store(int64(frame.Sequence))

	now := p.now().UnixNano()
	if prev := p.lastDelivery.Swap(now); prev != 0 {
		interval := now - prev
		avg := p.avgIntervalNs.Load()
		if avg == 0 {
			avg = interval
		} else {
			// EWMA, alpha = 1/8.
			avg += (interval - avg) / 8
		}
		p.avgIntervalNs.Store(avg)
	}
}

// Stats returns a snapshot of delivery counters.
func (p *Pacer) Stats() Stats {
	return Stats{
		TargetFPS:     p.targetFPS,
		PeriodMs:      float64(p.period) / float64(time.Millisecond),
		Forwarded:     p.forwarded.Load(),
		Overruns:      p.overruns.Load(),
		LastSequence:  p.lastSequence.Load(),
		AvgIntervalMs: float64(p.avgIntervalNs.Load()) / float64(time.Millisecond),
		UptimeMs:      p.now().Sub(p.startTime).Milliseconds(),
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
