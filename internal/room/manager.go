// Package room tracks the lifecycle of relay rooms. A room bundles the
// queue, ingest validator, relay and pacer for one producer and its
// viewers; rooms are created on first use and run until removed.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/framerelay/internal/distribution"
	"github.com/zsiec/framerelay/internal/ingest"
	"github.com/zsiec/framerelay/internal/media"
	"github.com/zsiec/framerelay/internal/pipeline"
	"github.com/zsiec/framerelay/internal/queue"
)

// ErrClosed is returned by Open after Close.
var ErrClosed = errors.New("room: manager closed")

// Config sets the per-room relay parameters.
type Config struct {
	QueueCapacity int
	TargetFPS     int
	MaxAge        time.Duration
	MaxRooms      int // 0 means unlimited
}

// Room is one producer's relay: frames submitted here are validated,
// queued, paced and fanned out to the room's viewers.
type Room struct {
	key       string
	startedAt time.Time
	queue     *queue.Queue
	validator *ingest.Validator
	relay     *distribution.Relay
	pacer     *pipeline.Pacer
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   atomic.Bool
}

// Key returns the room key.
func (r *Room) Key() string { return r.key }

// StartedAt returns when the room was created.
func (r *Room) StartedAt() time.Time { return r.startedAt }

// Submit validates a producer frame and queues it on acceptance. After the
// room is stopped it fails with distribution.ErrRoomClosed.
func (r *Room) Submit(timestamp int64, payload []byte) (*media.Frame, error) {
	if r.stopped.Load() {
		return nil, fmt.Errorf("room %q: %w", r.key, distribution.ErrRoomClosed)
	}
	return r.validator.Submit(timestamp, payload)
}

// Relay returns the room's fan-out hub.
func (r *Room) Relay() *distribution.Relay { return r.relay }

// Done is closed once the room's delivery loop has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Snapshot gathers the room's counters.
func (r *Room) Snapshot() distribution.RoomSnapshot {
	return distribution.RoomSnapshot{
		Key:      r.key,
		Viewers:  r.relay.ViewerCount(),
		UptimeMs: time.Since(r.startedAt).Milliseconds(),
		Queue:    r.queue.Stats(),
		Ingest:   r.validator.Stats(),
		Pacer:    r.pacer.Stats(),
		Relay:    r.relay.Stats(),
		Sessions: r.relay.ViewerStatsAll(),
	}
}

// stop cancels the delivery loop, wakes it via the queue, and waits for it.
func (r *Room) stop() {
	r.stopped.Store(true)
	r.cancel()
	r.queue.Close()
	<-r.done
}

// Manager creates, lists and stops rooms.
type Manager struct {
	log    *slog.Logger
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	rooms  map[string]*Room
	closed bool
}

// NewManager creates a room manager. If log is nil, slog.Default() is used.
// Zero config values fall back to the package defaults of the queue,
// validator and pacer.
func NewManager(config Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = queue.DefaultCapacity
	}
	if config.TargetFPS <= 0 {
		config.TargetFPS = pipeline.DefaultFPS
	}
	if config.MaxAge <= 0 {
		config.MaxAge = ingest.DefaultMaxAge
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:    log.With("component", "room-manager"),
		config: config,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}
}

// Open returns the room for key, creating it and starting its delivery
// loop on first use.
func (m *Manager) Open(key string) (distribution.Room, error) {
	if !distribution.ValidRoomKey(key) {
		return nil, fmt.Errorf("%w: %q", distribution.ErrInvalidRoom, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if r, ok := m.rooms[key]; ok {
		return r, nil
	}
	if m.config.MaxRooms > 0 && len(m.rooms) >= m.config.MaxRooms {
		return nil, fmt.Errorf("%w: %d rooms", distribution.ErrTooManyRooms, len(m.rooms))
	}

	r := m.start(key)
	m.rooms[key] = r
	m.log.Info("room created", "key", key, "rooms", len(m.rooms))
	return r, nil
}

func (m *Manager) start(key string) *Room {
	log := m.log.With("room", key)
	q := queue.New(m.config.QueueCapacity)
	relay := distribution.NewRelay(key)
	ctx, cancel := context.WithCancel(m.ctx)

	r := &Room{
		key:       key,
		startedAt: time.Now(),
		queue:     q,
		validator: ingest.NewValidator(q, ingest.WithMaxAge(m.config.MaxAge), ingest.WithLogger(log)),
		relay:     relay,
		pacer:     pipeline.New(key, q, relay, m.config.TargetFPS, pipeline.WithLogger(log)),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(r.done)
		if err := r.pacer.Run(ctx); err != nil {
			log.Error("delivery loop failed", "error", err)
		}
	}()
	return r
}

// Get returns the room for key if it exists.
func (m *Manager) Get(key string) (distribution.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[key]
	if !ok {
		return nil, false
	}
	return r, true
}

// List returns a snapshot of every room, ordered by key.
func (m *Manager) List() []distribution.RoomSnapshot {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].key < rooms[j].key })

	snaps := make([]distribution.RoomSnapshot, len(rooms))
	for i, r := range rooms {
		snaps[i] = r.Snapshot()
	}
	return snaps
}

// Len returns the number of live rooms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Remove stops and forgets the room for key. It reports whether the room
// existed.
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	r, ok := m.rooms[key]
	delete(m.rooms, key)
	m.mu.Unlock()

	if !ok {
		return false
	}
	r.stop()
	m.log.Info("room removed", "key", key)
	return true
}

// Close stops every room. Later Open calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	m.cancel()
	for _, r := range rooms {
		r.stop()
	}
	m.log.Info("room manager closed", "rooms", len(rooms))
}
