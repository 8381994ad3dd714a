// Package telemetry periodically reports per-room relay statistics: a log
// line per active room, and optionally a JSON document per room published
// to MQTT.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zsiec/framerelay/internal/distribution"
)

// Lister supplies room snapshots.
type Lister interface {
	List() []distribution.RoomSnapshot
}

// Publisher delivers a report payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// RoomReport is the per-interval summary for one room.
type RoomReport struct {
	Room            string  `json:"room"`
	Timestamp       int64   `json:"timestamp"`
	Viewers         int     `json:"viewers"`
	AcceptedPerSec  float64 `json:"acceptedPerSec"`
	SkippedPerSec   float64 `json:"skippedPerSec"`
	DeliveredPerSec float64 `json:"deliveredPerSec"`
	QueueLen        int     `json:"queueLen"`
	QueueDropped    int64   `json:"queueDropped"`
	Overruns        int64   `json:"overruns"`
	AvgIntervalMs   float64 `json:"avgIntervalMs"`
	TargetFPS       int     `json:"targetFps"`
}

type counters struct {
	accepted  int64
	skipped   int64
	delivered int64
	at        time.Time
}

// Reporter emits a RoomReport for every room once per interval.
type Reporter struct {
	log         *slog.Logger
	rooms       Lister
	interval    time.Duration
	publisher   Publisher
	topicPrefix string
	now         func() time.Time

	last map[string]counters
}

// NewReporter creates a Reporter. publisher may be nil to only log.
func NewReporter(rooms Lister, interval time.Duration, publisher Publisher, topicPrefix string, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Reporter{
		log:         log.With("component", "telemetry"),
		rooms:       rooms,
		interval:    interval,
		publisher:   publisher,
		topicPrefix: topicPrefix,
		now:         time.Now,
		last:        make(map[string]counters),
	}
}

// Topic returns the MQTT topic for room.
func (r *Reporter) Topic(room string) string {
	return r.topicPrefix + "/" + room + "/stats"
}

// Run reports every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

// report builds, logs and publishes one round of reports. Rooms seen for
// the first time get rates computed since their creation.
func (r *Reporter) report() []RoomReport {
	now := r.now()
	snaps := r.rooms.List()
	reports := make([]RoomReport, 0, len(snaps))
	seen := make(map[string]bool, len(snaps))

	for _, s := range snaps {
		seen[s.Key] = true
		cur := counters{
			accepted:  s.Ingest.Accepted,
			skipped:   s.Ingest.RejectedOutOfOrder + s.Ingest.RejectedStale,
			delivered: s.Pacer.Forwarded,
			at:        now,
		}
		prev, ok := r.last[s.Key]
		if !ok {
			prev = counters{at: now.Add(-time.Duration(s.UptimeMs) * time.Millisecond)}
		}
		r.last[s.Key] = cur

		elapsed := cur.at.Sub(prev.at).Seconds()
		rate := func(d int64) float64 {
			if elapsed <= 0 {
				return 0
			}
			return float64(d) / elapsed
		}

		rep := RoomReport{
			Room:            s.Key,
			Timestamp:       now.UnixMilli(),
			Viewers:         s.Viewers,
			AcceptedPerSec:  rate(cur.accepted - prev.accepted),
			SkippedPerSec:   rate(cur.skipped - prev.skipped),
			DeliveredPerSec: rate(cur.delivered - prev.delivered),
			QueueLen:        s.Queue.Len,
			QueueDropped:    s.Queue.Dropped,
			Overruns:        s.Pacer.Overruns,
			AvgIntervalMs:   s.Pacer.AvgIntervalMs,
			TargetFPS:       s.Pacer.TargetFPS,
		}
		reports = append(reports, rep)

		r.log.Info("room stats",
			"room", rep.Room,
			"viewers", rep.Viewers,
			"accepted_per_sec", rep.AcceptedPerSec,
			"skipped_per_sec", rep.SkippedPerSec,
			"delivered_per_sec", rep.DeliveredPerSec,
			"queue_dropped", rep.QueueDropped,
			"overruns", rep.Overruns)

		r.publish(rep)
	}

	for key := range r.last {
		if !seen[key] {
			delete(r.last, key)
		}
	}
	return reports
}

func (r *Reporter) publish(rep RoomReport) {
	if r.publisher == nil {
		return
	}
	payload, err := json.Marshal(rep)
	if err != nil {
		r.log.Warn("encode room report", "error", err)
		return
	}
	if err := r.publisher.Publish(r.Topic(rep.Room), payload); err != nil {
		r.log.Warn("publish room report failed", "room", rep.Room, "error", err)
	}
}
