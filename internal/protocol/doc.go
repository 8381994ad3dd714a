// Package protocol implements the relay's wire formats: the ingest
// envelope producers use to submit frames, the hybrid tagged protocol used
// by command-driven streamer and viewer clients, and the length-delimited
// framing used to push frames to QUIC viewers.
//
// The hybrid protocol has exactly one tag assignment: 0x01 is a JSON
// command and 0x02 an image frame. The earlier assignment (0x01 image with
// frame id, 0x02 plain text) is not supported: its 0x01 messages fail to
// parse, and its 0x02 text of four or more bytes decodes as an image frame.
//
// This package contains no session or relay logic; those live in
// [github.com/zsiec/framerelay/internal/distribution].
package protocol
