// Package eventbus is a small in-process pub/sub dispatcher keyed by
// event type. Publishing is synchronous: handlers run on the caller's
// goroutine, in subscription order.
package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler processes events of type T.
type Handler[T any] func(context.Context, T)

type subscription struct {
	id int
	fn func(context.Context, any)
}

// Bus dispatches events to handlers registered for their type.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[reflect.Type][]subscription
}

// New creates an empty Bus.
func New() *Bus { return &Bus{subs: make(map[reflect.Type][]subscription)} }

func (b *Bus) subscribe(t reflect.Type, fn func(context.Context, any)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[t]
		for i, s := range subs {
			if s.id == id {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[t]) == 0 {
			delete(b.subs, t)
		}
	}
}

func (b *Bus) emit(ctx context.Context, e any) {
	t := reflect.TypeOf(e)
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[t]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.fn(ctx, e)
	}
}

var global atomic.Pointer[Bus]

// Use installs the global bus. Passing nil disables event publishing.
func Use(b *Bus) { global.Store(b) }

// Subscribe registers h with the global bus for events of type T.
func Subscribe[T any](h Handler[T]) (unsubscribe func()) {
	b := global.Load()
	if b == nil {
		return func() {}
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	return b.subscribe(t, func(ctx context.Context, v any) { h(ctx, v.(T)) })
}

// Publish sends e through the global bus. A no-op when no bus is
// installed.
func Publish[T any](ctx context.Context, e T) {
	if b := global.Load(); b != nil {
		b.emit(ctx, e)
	}
}
