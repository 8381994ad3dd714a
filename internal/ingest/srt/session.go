package srt

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framerelay/internal/distribution"
	"github.com/zsiec/framerelay/internal/ingest"
	"github.com/zsiec/framerelay/internal/media"
	"github.com/zsiec/framerelay/internal/protocol"
)

// maxEnvelopeMessage bounds a single SRT message, matching the WebSocket
// ingest read limit.
const maxEnvelopeMessage = 8 << 20

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtLinger bounds how long Close waits for unacknowledged data.
const srtLinger = time.Second

// ackInvalid is sent for a message that is not a binary envelope.
const ackInvalid = "Invalid frame"

// NewConfig returns the SRT configuration both ends of a frame session
// must use: file transport with the message API, so each envelope is one
// reliable, whole message of any size. Listeners reject peers whose
// transport or message mode differ.
func NewConfig(streamID string) srtgo.Config {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.TransType = srtgo.TransTypeFile
	msgAPI := true
	cfg.MessageAPI = &msgAPI
	cfg.Linger = srtLinger
	cfg.StreamID = streamID
	return cfg
}

// Submitter is the ingest side of a room.
type Submitter interface {
	Submit(timestamp int64, payload []byte) (*media.Frame, error)
}

// RoomOpener resolves a room key to its Submitter, creating the room if
// needed.
type RoomOpener func(key string) (Submitter, error)

type sessionStats struct {
	accepted int64
	skipped  int64
	invalid  int64
	bytes    int64
}

// serveEnvelopes reads one binary envelope per message from conn, submits
// it and writes its acknowledgement line back as one message. conn must
// preserve message boundaries: each Read returns exactly one message.
// A clean end of stream returns nil.
func serveEnvelopes(ctx context.Context, conn io.ReadWriter, sub Submitter) (sessionStats, error) {
	var st sessionStats
	buf := make([]byte, maxEnvelopeMessage+1)

	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return st, nil
			}
			return st, err
		}

		reply := ackInvalid
		env, derr := decodeMessage(buf[:n])
		if derr != nil {
			st.invalid++
		} else {
			st.bytes += int64(len(env.Data))
			_, err = sub.Submit(env.Timestamp, env.Data)
			if err != nil {
				st.skipped++
			} else {
				st.accepted++
			}
			reply = ingest.Ack(err)
		}
		if _, werr := io.WriteString(conn, reply+"\n"); werr != nil {
			return st, werr
		}
		if errors.Is(err, distribution.ErrRoomClosed) {
			return st, err
		}
	}
	return st, nil
}

// decodeMessage decodes msg into an envelope that owns its data, since
// the read buffer is reused for the next message.
func decodeMessage(msg []byte) (protocol.Envelope, error) {
	if len(msg) > maxEnvelopeMessage {
		return protocol.Envelope{}, protocol.ErrFrameTooLarge
	}
	env, err := protocol.DecodeBinaryEnvelope(msg)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env.Data = append([]byte(nil), env.Data...)
	return env, nil
}

// extractRoomKey maps an SRT stream ID such as "/live/cam1" to a room key.
func extractRoomKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return distribution.DefaultRoom
	}
	return streamID
}
