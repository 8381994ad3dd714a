// Package ingest decides, for every frame a producer submits, whether it
// enters the room's queue. Frames that arrive behind the last accepted
// timestamp or that have aged past the staleness window are rejected and
// acknowledged as such to the producer.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/framerelay/internal/media"
)

// DefaultMaxAge is the staleness window: a frame older than this on arrival
// is no longer useful to a live viewer.
const DefaultMaxAge = 200 * time.Millisecond

// Acknowledgements sent back to the producer for each submitted frame.
const (
	AckOK   = "OK"
	AckSkip = "Skip frame"
)

// Rejection reasons. Both are reported to the producer as AckSkip.
var (
	ErrOutOfOrder = errors.New("ingest: frame out of order")
	ErrStale      = errors.New("ingest: frame stale")
)

// RejectError describes why a frame was refused.
type RejectError struct {
	Reason       error
	Timestamp    int64
	LastAccepted int64
	AgeMs        int64
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%v: timestamp %d, last accepted %d, age %dms",
		e.Reason, e.Timestamp, e.LastAccepted, e.AgeMs)
}

func (e *RejectError) Unwrap() error {
	return e.Reason
}

// Ack maps a Submit result to the string acknowledged to the producer.
func Ack(err error) string {
	if err == nil {
		return AckOK
	}
	return AckSkip
}

// Enqueuer is the queue side of the validator. Enqueue must not block.
type Enqueuer interface {
	Enqueue(frame *media.Frame)
}

// Stats is a snapshot of validator counters.
type Stats struct {
	Accepted           int64  `json:"accepted"`
	RejectedOutOfOrder int64  `json:"rejectedOutOfOrder"`
	RejectedStale      int64  `json:"rejectedStale"`
	InFlight           int64  `json:"inFlight"`
	LastAccepted       int64  `json:"lastAcceptedTimestamp"`
	NextSequence       uint64 `json:"nextSequence"`
	BytesAccepted      int64  `json:"bytesAccepted"`
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(v *Validator) { v.maxAge = d }
}

// WithClock overrides the wall clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(v *Validator) {
		if log != nil {
			v.log = log
		}
	}
}

// Validator is the per-room ingest gate. Ordering and staleness checks,
// sequence assignment and the enqueue happen under one mutex so that
// sequence order is queue order.
type Validator struct {
	log    *slog.Logger
	sink   Enqueuer
	maxAge time.Duration
	now    func() time.Time

	mu           sync.Mutex
	lastAccepted int64
	nextSequence uint64

	inFlight      atomic.Int64
	accepted      atomic.Int64
	outOfOrder    atomic.Int64
	stale         atomic.Int64
	bytesAccepted atomic.Int64
}

// NewValidator creates a Validator that enqueues accepted frames into sink.
func NewValidator(sink Enqueuer, opts ...Option) *Validator {
	v := &Validator{
		log:    slog.Default(),
		sink:   sink,
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.With("component", "ingest")
	return v
}

// Submit evaluates a frame captured at timestamp (producer clock, ms). On
// acceptance it returns the constructed Frame after handing it to the
// queue. On rejection it returns a *RejectError wrapping ErrOutOfOrder or
// ErrStale, and the sequence counter is not advanced.
func (v *Validator) Submit(timestamp int64, payload []byte) (*media.Frame, error) {
	v.inFlight.Add(1)
	defer v.inFlight.Add(-1)

	v.mu.Lock()
	defer v.mu.Unlock()

	if timestamp < v.lastAccepted {
		v.outOfOrder.Add(1)
		err := &RejectError{Reason: ErrOutOfOrder, Timestamp: timestamp, LastAccepted: v.lastAccepted}
		v.log.Debug("skip frame", "error", err)
		return nil, err
	}

	age := v.now().UnixMilli() - timestamp
	if age > v.maxAge.Milliseconds() {
		v.stale.Add(1)
		err := &RejectError{Reason: ErrStale, Timestamp: timestamp, LastAccepted: v.lastAccepted, AgeMs: age}
		v.log.Debug("skip frame", "error", err)
		return nil, err
	}

	frame := &media.Frame{
		Timestamp: timestamp,
		Sequence:  v.nextSequence,
		Payload:   payload,
	}
	v.nextSequence++
	v.lastAccepted = timestamp

	v.sink.Enqueue(frame)
	v.accepted.Add(1)
	v.bytesAccepted.Add(int64(len(payload)))
	return frame, nil
}

// MaxAge returns the configured staleness window.
func (v *Validator) MaxAge() time.Duration { return v.maxAge }

// Stats returns a snapshot of validator counters.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	last, next := v.lastAccepted, v.nextSequence
	v.mu.Unlock()

	return Stats{
		Accepted:           v.accepted.Load(),
		RejectedOutOfOrder: v.outOfOrder.Load(),
		RejectedStale:      v.stale.Load(),
		InFlight:           v.inFlight.Load(),
		LastAccepted:       last,
		NextSequence:       next,
		BytesAccepted:      v.bytesAccepted.Load(),
	}
}
