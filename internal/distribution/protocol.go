// Package distribution implements viewer delivery: the per-room fan-out
// relay, the viewer sessions it feeds (WebSocket push, QUIC push, hybrid
// pull), and the HTTP, HTTP/3 and QUIC servers that accept them. The wire
// formats live in [github.com/zsiec/framerelay/internal/protocol].
package distribution

import (
	"time"

	"github.com/zsiec/framerelay/internal/ingest"
	"github.com/zsiec/framerelay/internal/media"
	"github.com/zsiec/framerelay/internal/pipeline"
	"github.com/zsiec/framerelay/internal/queue"
)

// Transport names reported in ViewerStats.
const (
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
	TransportHybrid    = "hybrid"
)

// maxIngestMessage bounds a single producer message on any WebSocket
// endpoint.
const maxIngestMessage = 8 << 20

// writeTimeout bounds a single frame write to a viewer. A viewer that cannot
// absorb one frame in this window is treated as failed.
const writeTimeout = 5 * time.Second

// pingInterval is how often idle WebSocket viewers are pinged.
const pingInterval = 15 * time.Second

// Room is the per-room view the distribution layer needs: the ingest entry
// point and the relay viewers attach to.
type Room interface {
	Key() string
	Submit(timestamp int64, payload []byte) (*media.Frame, error)
	Relay() *Relay
	Snapshot() RoomSnapshot
}

// RoomProvider resolves room keys. Open creates the room on first use;
// Remove stops delivery for the room and forgets it.
type RoomProvider interface {
	Open(key string) (Room, error)
	Get(key string) (Room, bool)
	List() []RoomSnapshot
	Remove(key string) bool
}

// RoomSnapshot is the JSON summary of one room, returned by /api/rooms and
// /api/rooms/{room}/debug and published by the telemetry reporter.
type RoomSnapshot struct {
	Key      string         `json:"key"`
	Viewers  int            `json:"viewers"`
	UptimeMs int64          `json:"uptimeMs"`
	Queue    queue.Stats    `json:"queue"`
	Ingest   ingest.Stats   `json:"ingest"`
	Pacer    pipeline.Stats `json:"pacer"`
	Relay    RelayStats     `json:"relay"`
	Sessions []ViewerStats  `json:"sessions,omitempty"`
}
