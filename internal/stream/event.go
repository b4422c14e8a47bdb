// Package stream turns raw streaming response bodies into text events.
//
// Decoders are fed arbitrary byte chunks exactly as they come off the wire and
// keep whatever is incomplete until the next chunk. Malformed frames are
// dropped silently; only a stream that never yields a single valid frame is
// reported as a failure from Finish.
package stream

import "errors"

var (
	// ErrNoFrames is returned by Finish when bytes arrived but none decoded.
	ErrNoFrames = errors.New("no decodable frame in stream")
	// ErrFrameTooLarge is reported when a pending frame exceeds the buffer cap.
	ErrFrameTooLarge = errors.New("stream frame exceeds buffer limit")
)

type Kind int

const (
	// Delta carries new text to append.
	Delta Kind = iota
	// Snapshot carries the full text so far.
	Snapshot
	// Error carries a vendor-reported error message, or Err for a decoder failure.
	Error
	Done
)

type Event struct {
	Kind    Kind
	Text    string
	Message string
	Err     error
}

// Decoder is implemented by each wire framing.
type Decoder interface {
	Feed(chunk []byte) []Event
	Finish() ([]Event, error)
}
