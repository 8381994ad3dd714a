// Package queue implements the bounded, drop-oldest frame queue that sits
// between ingest validation and paced delivery. Producers never block;
// consumers park until a frame arrives or the queue is closed.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/zsiec/framerelay/internal/media"
)

// ErrClosed is returned by Dequeue once the queue has been closed and
// drained. It is the shutdown sentinel for delivery loops.
var ErrClosed = errors.New("queue: closed")

// DefaultCapacity keeps the relay live: at most two frames may wait for
// delivery before the oldest is evicted.
const DefaultCapacity = 2

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Capacity int   `json:"capacity"`
	Len      int   `json:"len"`
	Waiters  int   `json:"waiters"`
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	Dropped  int64 `json:"dropped"`
}

// waiter is a parked Dequeue call. The channel has room for exactly one
// hand-off so Enqueue never blocks while delivering to it.
type waiter struct {
	ch chan *media.Frame
}

// Queue holds at most capacity frames. When full, Enqueue evicts the single
// oldest frame before appending. Frames are handed to parked consumers one
// per waiter, in the order the waiters arrived.
type Queue struct {
	capacity int

	mu      sync.Mutex
	items   []*media.Frame
	waiters *list.List // of *waiter
	closed  bool

	enqueued int64
	dequeued int64
	dropped  int64
}

// New creates a Queue with the given capacity. It panics if capacity < 1.
func New(capacity int) *Queue {
	if capacity < 1 {
		panic("queue: capacity must be at least 1")
	}
	return &Queue{
		capacity: capacity,
		items:    make([]*media.Frame, 0, capacity),
		waiters:  list.New(),
	}
}

// Capacity returns the maximum number of buffered frames.
func (q *Queue) Capacity() int { return q.capacity }

// Enqueue appends frame, evicting the oldest buffered frame if the queue is
// at capacity. It never blocks. Enqueue on a closed queue is a no-op.
func (q *Queue) Enqueue(frame *media.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if len(q.items) >= q.capacity {
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, frame)
	q.enqueued++

	q.handOffLocked()
}

// handOffLocked satisfies parked waiters in FIFO order, one item each, until
// either runs out. Items not handed off stay buffered.
func (q *Queue) handOffLocked() {
	for len(q.items) > 0 && q.waiters.Len() > 0 {
		w := q.waiters.Remove(q.waiters.Front()).(*waiter)
		item := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.dequeued++
		w.ch <- item
	}
}

// Dequeue removes and returns the oldest frame. If the queue is empty it
// parks until a frame is enqueued, ctx is done, or the queue is closed.
// A closed queue still yields its remaining frames before returning
// ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (*media.Frame, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		item := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.dequeued++
		q.mu.Unlock()
		return item, nil
	}
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}

	w := &waiter{ch: make(chan *media.Frame, 1)}
	elem := q.waiters.PushBack(w)
	q.mu.Unlock()

	select {
	case item, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		// The waiter may have been handed an item between ctx firing and
		// taking the lock. Still being listed means it was not.
		if q.isWaitingLocked(elem) {
			q.waiters.Remove(elem)
			return nil, ctx.Err()
		}
		item, ok := <-w.ch
		if !ok {
			return nil, ErrClosed
		}
		return item, nil
	}
}

func (q *Queue) isWaitingLocked(elem *list.Element) bool {
	for e := q.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			return true
		}
	}
	return false
}

// Close wakes every parked consumer with ErrClosed and rejects further
// enqueues. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for e := q.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ch)
	}
	q.waiters.Init()
}

// Len returns the number of buffered frames. Diagnostic only.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Capacity: q.capacity,
		Len:      len(q.items),
		Waiters:  q.waiters.Len(),
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Dropped:  q.dropped,
	}
}
