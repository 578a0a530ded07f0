// Package delivery defines the three shapes a request outcome can be
// transported in, and the cancellable result sequence backing the two
// streaming shapes.
package delivery

import "net/http"

// Delivery is the classified outcome of one request. Exactly one
// concrete shape exists per request; transport code switches on the
// concrete type exhaustively.
type Delivery interface {
	shape()
}

// Response carries exactly one payload and terminates the transport.
type Response struct {
	Status  int
	Header  http.Header
	Payload *Result
}

// MultipartResponse carries a patch sequence framed as multipart/mixed
// parts. The sequence ends with a terminal-flagged result or when the
// source closes.
type MultipartResponse struct {
	Source *Stream
}

// Push carries a result sequence framed for an event-stream transport.
// Used for subscriptions and for incremental results the client asked
// to receive as an event stream.
type Push struct {
	Source *Stream
}

func (*Response) shape()          {}
func (*MultipartResponse) shape() {}
func (*Push) shape()              {}
