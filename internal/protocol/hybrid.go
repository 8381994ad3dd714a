package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Message tags. Every hybrid message starts with exactly one of these.
const (
	TagJSONCommand byte = 0x01
	TagImageFrame  byte = 0x02
)

// imageFrameHeaderSize is the tag byte plus the uint32 LE frame id.
const imageFrameHeaderSize = 5

var errShortMessage = errors.New("short message")

// Channel identifies which side of a session a command belongs to.
type Channel string

// Channels.
const (
	ChannelStreamer Channel = "streamer"
	ChannelViewer   Channel = "viewer"
)

// Command names understood by sessions. Any other command string is an
// informational text message.
const (
	CmdStartStream          = "START_STREAM"
	CmdStopStream           = "STOP_STREAM"
	CmdStartReceiving       = "START_RECEIVING"
	CmdStopReceiving        = "STOP_RECEIVING"
	CmdRequestLatestPackage = "REQUEST_LATEST_PACKAGE"
)

// Command is the JSON body of a TagJSONCommand message.
type Command struct {
	Channel Channel         `json:"channel"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsControl reports whether c is one of the session control commands
// rather than an informational message.
func (c Command) IsControl() bool {
	switch c.Command {
	case CmdStartStream, CmdStopStream, CmdStartReceiving, CmdStopReceiving, CmdRequestLatestPackage:
		return true
	}
	return false
}

// ImageFrame is the body of a TagImageFrame message.
type ImageFrame struct {
	FrameID uint32
	Data    []byte
}

// Message is a decoded hybrid message. Exactly one of Command and Image is
// set, according to Tag.
type Message struct {
	Tag     byte
	Command *Command
	Image   *ImageFrame
}

// Decode parses one hybrid message. The transport is message-oriented, so
// b holds exactly one message.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, ErrEmptyMessage
	}

	switch b[0] {
	case TagJSONCommand:
		cmd, err := parseCommand(b[1:])
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: TagJSONCommand, Command: &cmd}, nil

	case TagImageFrame:
		if len(b) < imageFrameHeaderSize {
			return Message{}, &ParseError{Field: "frame_id", Err: errShortMessage}
		}
		img := ImageFrame{
			FrameID: binary.LittleEndian.Uint32(b[1:imageFrameHeaderSize]),
			Data:    b[imageFrameHeaderSize:],
		}
		return Message{Tag: TagImageFrame, Image: &img}, nil

	default:
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, b[0])
	}
}

func parseCommand(body []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return cmd, &ParseError{Field: "command", Err: err}
	}
	switch cmd.Channel {
	case ChannelStreamer, ChannelViewer:
	default:
		return cmd, &ParseError{Field: "channel", Err: fmt.Errorf("%w: %q", ErrUnknownChannel, cmd.Channel)}
	}
	if cmd.Command == "" {
		return cmd, &ParseError{Field: "command", Err: errMissingField}
	}
	return cmd, nil
}

// EncodeCommand serializes cmd as a TagJSONCommand message.
func EncodeCommand(cmd Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	buf := make([]byte, 0, 1+len(body))
	buf = append(buf, TagJSONCommand)
	return append(buf, body...), nil
}

// EncodeText wraps an informational message as a command on channel.
func EncodeText(channel Channel, text string) ([]byte, error) {
	payload, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}
	return EncodeCommand(Command{Channel: channel, Command: "MESSAGE", Payload: payload})
}

// EncodeImageFrame serializes a TagImageFrame message in a single
// allocation.
func EncodeImageFrame(frameID uint32, data []byte) []byte {
	buf := make([]byte, imageFrameHeaderSize, imageFrameHeaderSize+len(data))
	buf[0] = TagImageFrame
	binary.LittleEndian.PutUint32(buf[1:], frameID)
	return append(buf, data...)
}
