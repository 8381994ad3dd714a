package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for decoding. Callers distinguish failure modes with
// errors.Is.
var (
	ErrEmptyMessage   = errors.New("protocol: empty message")
	ErrUnknownTag     = errors.New("protocol: unknown message tag")
	ErrUnknownChannel = errors.New("protocol: unknown channel")
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
)

// ParseError indicates a failure to parse a message field. It wraps the
// underlying I/O or format error and records which field was being parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
