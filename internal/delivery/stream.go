package delivery

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Subscribe when the stream is closed before
// the producer finishes on its own.
var ErrClosed = errors.New("delivery: stream closed")

// Stream is a cancellable, non-restartable sequence of results. The
// producer owns the events channel and must close it when it stops
// producing, including after the cancel callback fires. Sequences are
// not guaranteed finite; subscriptions may run until cancelled.
type Stream struct {
	events <-chan *Result
	cancel func()

	once sync.Once
	done chan struct{}
}

// NewStream wraps a producer channel. cancel may be nil; otherwise it
// is invoked exactly once when the stream is closed and must make the
// producer stop pulling work and close events.
func NewStream(events <-chan *Result, cancel func()) *Stream {
	return &Stream{events: events, cancel: cancel, done: make(chan struct{})}
}

// Subscribe delivers every result to sink in production order, one at
// a time. It is long-running: it returns nil when the producer
// finishes naturally, ErrClosed when Close is called first, ctx.Err()
// when ctx ends first, or the error returned by sink. The stream is
// closed on every exit path, so the producer never keeps running after
// the consumer is gone.
func (s *Stream) Subscribe(ctx context.Context, sink func(*Result) error) error {
	defer s.Close()
	for {
		select {
		case r, ok := <-s.events:
			if !ok {
				return nil
			}
			if err := sink(r); err != nil {
				return err
			}
		case <-s.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close abandons the stream and stops the producer. It is idempotent
// and safe to call before, during, or after Subscribe; an in-flight
// Subscribe returns promptly instead of hanging.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Done is closed once the stream has been closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Map returns a stream that passes every result through fn before
// delivery. Closing the returned stream closes s.
func (s *Stream) Map(fn func(*Result) *Result) *Stream {
	out := make(chan *Result)
	m := NewStream(out, s.Close)
	go func() {
		defer close(out)
		for {
			select {
			case r, ok := <-s.events:
				if !ok {
					return
				}
				select {
				case out <- fn(r):
				case <-m.done:
					return
				}
			case <-m.done:
				return
			}
		}
	}()
	return m
}

// Single returns an already-completed stream holding exactly one
// result. Used when a failure or a non-streaming outcome still has to
// travel over a streaming transport.
func Single(r *Result) *Stream {
	ch := make(chan *Result, 1)
	ch <- r
	close(ch)
	return NewStream(ch, nil)
}
