package events

import "time"

// StreamStart is emitted when a streaming response begins writing.
// Shape is "multipart" or "push".
type StreamStart struct {
	Shape string
}

// StreamChunk is emitted for every chunk written to a streaming
// response.
type StreamChunk struct {
	Shape string
	Bytes int
}

// StreamEnd is emitted when a streaming response terminates. Cancelled
// reports termination by disconnect or unsubscribe rather than by the
// sequence ending.
type StreamEnd struct {
	Shape     string
	Chunks    int
	Cancelled bool
	Duration  time.Duration
}
