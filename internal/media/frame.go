// Package media defines the frame type that flows through the relay, from
// ingest validation through the bounded queue to viewer delivery.
package media

// Buffer sizes used between the relay and individual viewer transports.
// Viewers are live: a viewer that falls further behind than this drops
// frames instead of accumulating them.
const (
	ViewerBufferSize  = 4
	ControlBufferSize = 16
)

// Frame is one encoded image captured by the producer. Timestamp is the
// producer's capture clock in milliseconds; Sequence is assigned by the
// ingest validator and is strictly increasing per room. A Frame must not be
// modified after it has been submitted for ingest.
type Frame struct {
	Timestamp int64
	Sequence  uint64
	Payload   []byte
}

// Size returns the payload length in bytes.
func (f *Frame) Size() int {
	return len(f.Payload)
}
