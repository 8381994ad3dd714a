// Package srt implements SRT producer ingest: a listener (Server) that
// accepts publish connections and a Caller that dials remote SRT sources.
// Both ends use NewConfig, SRT file transport with the message API, so each
// binary envelope travels as one reliable message regardless of size. Each
// message is acknowledged with an "OK", "Skip frame" or "Invalid frame"
// reply message.
package srt
