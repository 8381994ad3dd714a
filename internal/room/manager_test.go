package room

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/framerelay/internal/distribution"
	"github.com/zsiec/framerelay/internal/media"
)

type chanViewer struct {
	id     string
	frames chan *media.Frame
}

func newChanViewer(id string) *chanViewer {
	return &chanViewer{id: id, frames: make(chan *media.Frame, 16)}
}

func (v *chanViewer) ID() string { return v.id }

func (v *chanViewer) Send(f *media.Frame) error {
	select {
	case v.frames <- f:
	default:
	}
	return nil
}

func (v *chanViewer) Stats() distribution.ViewerStats {
	return distribution.ViewerStats{ID: v.id, Transport: "test"}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, nil)
	t.Cleanup(m.Close)
	return m
}

func TestManagerOpenCreatesOnce(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})

	a, err := m.Open("lobby")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := m.Open("lobby")
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if a != b {
		t.Error("Open returned a different room for the same key")
	}
	if a.Key() != "lobby" {
		t.Errorf("Key: got %q", a.Key())
	}
	if r := a.(*Room); r.StartedAt().IsZero() {
		t.Error("StartedAt should not be zero")
	}
	if m.Len() != 1 {
		t.Errorf("Len: got %d, want 1", m.Len())
	}
}

func TestManagerOpenInvalidKey(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})

	for _, key := range []string{"", "has space", "../etc", strings.Repeat("a", 65)} {
		if _, err := m.Open(key); !errors.Is(err, distribution.ErrInvalidRoom) {
			t.Errorf("Open(%q): got %v, want ErrInvalidRoom", key, err)
		}
	}
	if m.Len() != 0 {
		t.Errorf("invalid keys created rooms: %d", m.Len())
	}
}

func TestManagerMaxRooms(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{MaxRooms: 2})

	for _, key := range []string{"a", "b"} {
		if _, err := m.Open(key); err != nil {
			t.Fatalf("Open(%q): %v", key, err)
		}
	}
	if _, err := m.Open("c"); !errors.Is(err, distribution.ErrTooManyRooms) {
		t.Fatalf("third room: got %v, want ErrTooManyRooms", err)
	}
	// Existing rooms are still reachable at the limit.
	if _, err := m.Open("a"); err != nil {
		t.Errorf("reopen at limit: %v", err)
	}
}

func TestManagerListSorted(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})

	for _, key := range []string{"room-c", "room-a", "room-b"} {
		if _, err := m.Open(key); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}

	snaps := m.List()
	if len(snaps) != 3 {
		t.Fatalf("List: got %d rooms, want 3", len(snaps))
	}
	for i, want := range []string{"room-a", "room-b", "room-c"} {
		if snaps[i].Key != want {
			t.Errorf("List[%d]: got %q, want %q", i, snaps[i].Key, want)
		}
	}
}

func TestRoomDeliversToViewers(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{TargetFPS: 100, MaxAge: time.Second})

	r, err := m.Open("live")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	v := newChanViewer("v1")
	r.Relay().AddViewer(v)

	if _, err := r.Submit(time.Now().UnixMilli(), []byte("jpeg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case f := <-v.frames:
		if string(f.Payload) != "jpeg" || f.Sequence != 0 {
			t.Errorf("delivered frame: seq %d payload %q", f.Sequence, f.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	snap := r.Snapshot()
	if snap.Ingest.Accepted != 1 || snap.Viewers != 1 || len(snap.Sessions) != 1 {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestRoomRejectsStaleFrames(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{MaxAge: 100 * time.Millisecond})

	r, err := m.Open("live")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	old := time.Now().Add(-time.Second).UnixMilli()
	if _, err := r.Submit(old, []byte("old")); err == nil {
		t.Fatal("stale frame accepted")
	}
	if s := r.Snapshot().Ingest; s.RejectedStale != 1 {
		t.Errorf("RejectedStale: got %d, want 1", s.RejectedStale)
	}
}

func TestManagerRemoveStopsRoom(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})

	opened, err := m.Open("gone")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := opened.(*Room)

	if !m.Remove("gone") {
		t.Fatal("Remove reported missing room")
	}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery loop still running after Remove")
	}
	if _, ok := m.Get("gone"); ok {
		t.Error("removed room still listed")
	}
	if m.Remove("gone") {
		t.Error("second Remove reported success")
	}

	// A producer still holding the removed room is told so.
	if _, err := r.Submit(time.Now().UnixMilli(), []byte("late")); !errors.Is(err, distribution.ErrRoomClosed) {
		t.Errorf("Submit after Remove: got %v, want ErrRoomClosed", err)
	}
	if s := r.Snapshot().Ingest; s.Accepted != 0 {
		t.Errorf("frame accepted into removed room: %+v", s)
	}
}

func TestManagerClose(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{}, nil)

	var rooms []*Room
	for i := 0; i < 3; i++ {
		r, err := m.Open(fmt.Sprintf("r%d", i))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		rooms = append(rooms, r.(*Room))
	}

	m.Close()
	m.Close()

	for _, r := range rooms {
		select {
		case <-r.Done():
		case <-time.After(time.Second):
			t.Fatalf("room %s still running after Close", r.Key())
		}
	}
	if _, err := m.Open("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close: got %v, want ErrClosed", err)
	}
	if _, err := rooms[0].Submit(time.Now().UnixMilli(), []byte("late")); !errors.Is(err, distribution.ErrRoomClosed) {
		t.Errorf("Submit after Close: got %v, want ErrRoomClosed", err)
	}
}

func TestManagerConcurrentOpen(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})

	var wg sync.WaitGroup
	got := make([]distribution.Room, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.Open("shared")
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			got[i] = r
		}(i)
	}
	wg.Wait()

	for i, r := range got {
		if r != got[0] {
			t.Fatalf("goroutine %d got a different room", i)
		}
	}
}
