package events

import "time"

// OperationStart is emitted before an operation enters the processing
// pipeline.
type OperationStart struct {
	Query         string
	OperationName string
}

// OperationFinish is emitted once the outcome has been classified.
// Shape is "response", "multipart", or "push". For streaming shapes the
// stream itself may still be producing; see StreamEnd.
type OperationFinish struct {
	Query         string
	OperationName string
	Shape         string
	Status        int
	Duration      time.Duration
}
