// Package reqid attaches a per-request identifier to the context so
// observability subscribers can correlate events across stages.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

type key struct{}

// NewContext returns a copy of parent carrying a freshly generated
// request ID, along with the ID itself.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the request ID from ctx. It returns the ID and
// whether one was present.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}
