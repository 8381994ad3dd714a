package protocol

import (
	"bufio"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/framerelay/internal/media"
)

// MaxFramePayload bounds the payload length accepted by ReadFrame.
const MaxFramePayload = 16 << 20

// WriteFrame writes one frame to a QUIC stream as
// [sequence varint][timestamp varint][length varint][payload]
// in a single Write call. Negative timestamps are written as zero. It
// returns the number of bytes written.
func WriteFrame(w io.Writer, f *media.Frame) (int64, error) {
	ts := f.Timestamp
	if ts < 0 {
		ts = 0
	}

	buf := make([]byte, 0, 24+f.Size())
	buf = quicvarint.Append(buf, f.Sequence)
	buf = quicvarint.Append(buf, uint64(ts))
	buf = quicvarint.Append(buf, uint64(f.Size()))
	buf = append(buf, f.Payload...)

	n, err := w.Write(buf)
	return int64(n), err
}

// FrameReader reads frames written by WriteFrame.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads the next frame. It returns io.EOF at a clean end of
// stream.
func (fr *FrameReader) ReadFrame() (*media.Frame, error) {
	seq, err := quicvarint.Read(fr.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &ParseError{Field: "sequence", Err: err}
	}
	ts, err := quicvarint.Read(fr.r)
	if err != nil {
		return nil, &ParseError{Field: "timestamp", Err: err}
	}
	length, err := quicvarint.Read(fr.r)
	if err != nil {
		return nil, &ParseError{Field: "length", Err: err}
	}
	if length > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, &ParseError{Field: "payload", Err: err}
	}
	return &media.Frame{Sequence: seq, Timestamp: int64(ts), Payload: payload}, nil
}
