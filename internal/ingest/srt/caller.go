package srt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framerelay/internal/distribution"
)

// dialTimeout bounds the SRT handshake with a remote source.
const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull frames from.
type PullRequest struct {
	Address  string `json:"address"`
	Room     string `json:"room"`
	StreamID string `json:"streamId,omitempty"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote SRT sources and
// feeding their frames into rooms.
type Caller struct {
	log  *slog.Logger
	open RoomOpener

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(open RoomOpener, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:   log.With("component", "srt-caller"),
		open:  open,
		pulls: make(map[string]*activePull),
	}
}

// Pull dials the remote SRT listener synchronously (with a timeout),
// returning an error if the connection fails. On success, frames are read
// in a background goroutine until Stop or ctx cancellation.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return fmt.Errorf("address is required")
	}
	if !distribution.ValidRoomKey(req.Room) {
		return fmt.Errorf("%w: %q", distribution.ErrInvalidRoom, req.Room)
	}

	c.mu.Lock()
	if _, exists := c.pulls[req.Room]; exists {
		c.mu.Unlock()
		return fmt.Errorf("pull already active for room %q", req.Room)
	}
	c.mu.Unlock()

	sub, err := c.open(req.Room)
	if err != nil {
		return err
	}

	c.log.Info("dialing", "address", req.Address, "room", req.Room)

	streamID := req.StreamID
	if streamID == "" {
		streamID = "live/" + req.Room
	}
	cfg := NewConfig(streamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	// Drain the dial result in the background and close any leaked connection.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, res.conn, sub)
	case <-timer.C:
		abandon()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn, sub Submitter) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pulls[req.Room]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("pull already active for room %q", req.Room)
	}
	c.pulls[req.Room] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "room", req.Room)

	go func() {
		stop := context.AfterFunc(pullCtx, func() { conn.Close() })
		defer func() {
			stop()
			conn.Close()
			cancel()
			c.mu.Lock()
			delete(c.pulls, req.Room)
			c.mu.Unlock()
		}()

		st, err := serveEnvelopes(pullCtx, conn, sub)
		if err != nil && pullCtx.Err() == nil {
			c.log.Debug("read error", "room", req.Room, "error", err)
		}
		c.log.Info("pull ended", "room", req.Room,
			"accepted", st.accepted, "skipped", st.skipped, "bytes", st.bytes)
	}()

	return nil
}

// Stop ends the pull feeding room.
func (c *Caller) Stop(room string) error {
	c.mu.Lock()
	ap, ok := c.pulls[room]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for room %q", room)
	}

	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}
