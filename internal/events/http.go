// Package events defines the typed observability events published on
// the event bus by the HTTP layer and the delivery protocols.
package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when an HTTP request is received. The context
// passed alongside carries the request context and request ID.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the handler completes. For streaming
// responses this fires after the stream has terminated.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Duration time.Duration
}
