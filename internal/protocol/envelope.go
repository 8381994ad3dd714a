package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// binaryEnvelopeHeaderSize is the fixed prefix of a binary envelope: an
// int64 little-endian capture timestamp in milliseconds.
const binaryEnvelopeHeaderSize = 8

var errMissingField = errors.New("missing field")

// Envelope is one frame as submitted by a producer: its capture timestamp
// (producer clock, milliseconds) and the encoded image bytes.
type Envelope struct {
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
	Data      []byte `json:"data" msgpack:"data"`
}

// wireEnvelope detects a missing timestamp, which a zero value would hide.
type wireEnvelope struct {
	Timestamp *int64 `json:"timestamp" msgpack:"timestamp"`
	Data      []byte `json:"data" msgpack:"data"`
}

func (w wireEnvelope) envelope() (Envelope, error) {
	if w.Timestamp == nil {
		return Envelope{}, &ParseError{Field: "timestamp", Err: errMissingField}
	}
	return Envelope{Timestamp: *w.Timestamp, Data: w.Data}, nil
}

// DecodeJSONEnvelope parses {"timestamp": <ms>, "data": <base64>}.
func DecodeJSONEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, ErrEmptyMessage
	}
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, &ParseError{Field: "envelope", Err: err}
	}
	return w.envelope()
}

// EncodeJSONEnvelope is the inverse of DecodeJSONEnvelope.
func EncodeJSONEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeMsgpackEnvelope parses a msgpack map with the same keys as the JSON
// envelope. The image bytes travel as msgpack bin, without base64 overhead.
func DecodeMsgpackEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, ErrEmptyMessage
	}
	var w wireEnvelope
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return Envelope{}, &ParseError{Field: "envelope", Err: err}
	}
	return w.envelope()
}

// EncodeMsgpackEnvelope is the inverse of DecodeMsgpackEnvelope.
func EncodeMsgpackEnvelope(e Envelope) ([]byte, error) {
	return msgpack.Marshal(&e)
}

// DecodeBinaryEnvelope parses the fixed-layout envelope used on
// message-oriented byte transports such as SRT:
// [timestamp int64 LE][image bytes].
func DecodeBinaryEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, ErrEmptyMessage
	}
	if len(b) < binaryEnvelopeHeaderSize {
		return Envelope{}, &ParseError{Field: "timestamp", Err: errShortMessage}
	}
	return Envelope{
		Timestamp: int64(binary.LittleEndian.Uint64(b[:binaryEnvelopeHeaderSize])),
		Data:      b[binaryEnvelopeHeaderSize:],
	}, nil
}

// AppendBinaryEnvelope appends the binary encoding of e to buf.
func AppendBinaryEnvelope(buf []byte, e Envelope) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Timestamp))
	return append(buf, e.Data...)
}
