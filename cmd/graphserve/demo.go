package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vektah/gqlparser/v2"

	"github.com/hanpama/graphserve/internal/delivery"
	"github.com/hanpama/graphserve/internal/engine"
	"github.com/hanpama/graphserve/internal/language"
)

// demo is a self-contained executor exercising all three delivery
// shapes: plain responses, an incrementally delivered feed query, and
// a ticking subscription.
const demoSDL = `
type Query {
  hello: String!
  feed: [String!]!
}

type Mutation {
  incr: Int!
}

type Subscription {
  ticks(limit: Int): Int!
}
`

type demo struct {
	schema  *language.Schema
	counter atomic.Int64
}

func newDemo() *demo {
	return &demo{
		schema: gqlparser.MustLoadSchema(&language.Source{Name: "demo.graphql", Input: demoSDL}),
	}
}

func (d *demo) execute(ctx context.Context, args engine.ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
	data := map[string]any{}
	for _, sel := range args.Operation.SelectionSet {
		field, ok := sel.(*language.Field)
		if !ok {
			continue
		}
		switch field.Name {
		case "hello":
			data[field.Alias] = "world"
		case "incr":
			data[field.Alias] = d.counter.Add(1)
		case "feed":
			// Delivered incrementally: an empty shell first, then one
			// patch per item.
			return nil, d.feedStream(ctx, field.Alias), nil
		}
	}
	return &delivery.Result{Data: data}, nil, nil
}

func (d *demo) feedStream(ctx context.Context, alias string) *delivery.Stream {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan *delivery.Result)
	go func() {
		defer close(ch)
		send := func(r *delivery.Result) bool {
			select {
			case ch <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(&delivery.Result{
			Data:    map[string]any{alias: []any{}},
			HasNext: delivery.HasNext(true),
		}) {
			return
		}
		items := []string{"alpha", "beta", "gamma"}
		for i, item := range items {
			last := i == len(items)-1
			if !send(&delivery.Result{
				Data:    []any{item},
				Path:    []any{alias, i},
				HasNext: delivery.HasNext(!last),
			}) {
				return
			}
		}
	}()
	return delivery.NewStream(ch, cancel)
}

func (d *demo) subscribe(ctx context.Context, args engine.ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
	limit := 5
	if v, ok := args.Variables["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan *delivery.Result)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for i := 1; i <= limit; i++ {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
			select {
			case ch <- &delivery.Result{Data: map[string]any{"ticks": i}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil, delivery.NewStream(ch, cancel), nil
}
