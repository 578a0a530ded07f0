package engine

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"

	"github.com/hanpama/graphserve/internal/delivery"
	"github.com/hanpama/graphserve/internal/language"
)

const testSDL = `
type Query {
  hello: String!
  feed: [String!]!
}

type Mutation {
  incr: Int!
}

type Subscription {
  ticks: Int!
}
`

func testSchema(t *testing.T) *language.Schema {
	t.Helper()
	return gqlparser.MustLoadSchema(&language.Source{Name: "test.graphql", Input: testSDL})
}

func helloExecute(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
	return &delivery.Result{Data: map[string]any{"hello": "world"}}, nil, nil
}

func streamOf(results ...*delivery.Result) *delivery.Stream {
	ch := make(chan *delivery.Result, len(results))
	for _, r := range results {
		ch <- r
	}
	close(ch)
	return delivery.NewStream(ch, nil)
}

func drain(t *testing.T, s *delivery.Stream) []*delivery.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got []*delivery.Result
	err := s.Subscribe(ctx, func(r *delivery.Result) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	return got
}

func sseHeader() http.Header {
	h := http.Header{}
	h.Set("Accept", "text/event-stream")
	return h
}

func requireResponse(t *testing.T, d delivery.Delivery) *delivery.Response {
	t.Helper()
	res, ok := d.(*delivery.Response)
	require.True(t, ok, "expected *delivery.Response, got %T", d)
	return res
}

func TestMissingQuery(t *testing.T) {
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})
	res := requireResponse(t, e.Process(context.Background(), &Request{Method: http.MethodPost}))
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Len(t, res.Payload.Errors, 1)
	require.Equal(t, "Must provide query string.", res.Payload.Errors[0].Message)
}

func TestSyntaxError(t *testing.T) {
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Query:  "{ hello",
	}))
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Len(t, res.Payload.Errors, 1)
	require.Nil(t, res.Payload.Data)
}

func TestValidationReportsAllErrors(t *testing.T) {
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Query:  "{ nope1 nope2 }",
	}))
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Len(t, res.Payload.Errors, 2)
}

func TestOperationResolution(t *testing.T) {
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})

	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Query:  "query A { hello } query B { hello }",
	}))
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Equal(t, "Must provide operation name if query contains multiple operations.", res.Payload.Errors[0].Message)

	res = requireResponse(t, e.Process(context.Background(), &Request{
		Method:        http.MethodPost,
		Query:         "query A { hello }",
		OperationName: "C",
	}))
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Equal(t, "Could not determine what operation to execute.", res.Payload.Errors[0].Message)
}

func TestMutationOverGET(t *testing.T) {
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodGet,
		Query:  "mutation { incr }",
	}))
	require.Equal(t, http.StatusMethodNotAllowed, res.Status)
	require.Equal(t, "POST", res.Header.Get("Allow"))
	require.Equal(t, "Can only perform a mutation operation from a POST request.", res.Payload.Errors[0].Message)
}

func TestQueryOverGET(t *testing.T) {
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodGet,
		Query:  "{ hello }",
	}))
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, map[string]any{"hello": "world"}, res.Payload.Data)
}

func TestUnsupportedMethod(t *testing.T) {
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodPut,
		Query:  "{ hello }",
	}))
	require.Equal(t, http.StatusMethodNotAllowed, res.Status)
	require.Equal(t, "GET, POST", res.Header.Get("Allow"))
}

func TestInvalidVariables(t *testing.T) {
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method:    http.MethodPost,
		Query:     "{ hello }",
		Variables: "not-json",
	}))
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Equal(t, "Variables are invalid JSON.", res.Payload.Errors[0].Message)
}

func TestVariablesDecoding(t *testing.T) {
	var seen map[string]any
	capture := func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
		seen = args.Variables
		return &delivery.Result{}, nil, nil
	}

	t.Run("map passes through", func(t *testing.T) {
		e := New(Config{Schema: testSchema(t), Execute: capture})
		e.Process(context.Background(), &Request{
			Method:    http.MethodPost,
			Query:     "{ hello }",
			Variables: map[string]any{"a": float64(1)},
		})
		require.Equal(t, map[string]any{"a": float64(1)}, seen)
	})

	t.Run("serialized text decodes", func(t *testing.T) {
		e := New(Config{Schema: testSchema(t), Execute: capture})
		e.Process(context.Background(), &Request{
			Method:    http.MethodPost,
			Query:     "{ hello }",
			Variables: `{"b": "x"}`,
		})
		require.Equal(t, map[string]any{"b": "x"}, seen)
	})

	t.Run("absent decodes to no variables", func(t *testing.T) {
		e := New(Config{Schema: testSchema(t), Execute: capture})
		e.Process(context.Background(), &Request{Method: http.MethodPost, Query: "{ hello }"})
		require.Nil(t, seen)
	})

	t.Run("custom decoder wins", func(t *testing.T) {
		e := New(Config{
			Schema:  testSchema(t),
			Execute: capture,
			DecodeVariables: func(raw []byte) (map[string]any, error) {
				return map[string]any{"decoded": string(raw)}, nil
			},
		})
		e.Process(context.Background(), &Request{
			Method:    http.MethodPost,
			Query:     "{ hello }",
			Variables: "anything",
		})
		require.Equal(t, map[string]any{"decoded": "anything"}, seen)
	})
}

func TestFactoriesRunOncePerRequest(t *testing.T) {
	contextCalls, rootCalls := 0, 0
	var gotContext, gotRoot any
	e := New(Config{
		Schema: testSchema(t),
		ContextFactory: func(ctx context.Context, op *PreparedOperation) (any, error) {
			contextCalls++
			require.NotNil(t, op.Operation)
			return "ctx-value", nil
		},
		RootFactory: func(ctx context.Context, op *PreparedOperation) (any, error) {
			rootCalls++
			return "root-value", nil
		},
		Execute: func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
			gotContext, gotRoot = args.ContextValue, args.RootValue
			return &delivery.Result{}, nil, nil
		},
	})
	e.Process(context.Background(), &Request{Method: http.MethodPost, Query: "{ hello }"})
	require.Equal(t, 1, contextCalls)
	require.Equal(t, 1, rootCalls)
	require.Equal(t, "ctx-value", gotContext)
	require.Equal(t, "root-value", gotRoot)
}

func TestFactoryFailureAbortsBeforeExecution(t *testing.T) {
	executed := false
	cfg := Config{
		Schema: testSchema(t),
		RootFactory: func(ctx context.Context, op *PreparedOperation) (any, error) {
			return nil, errors.New("boom")
		},
		Execute: func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
			executed = true
			return &delivery.Result{}, nil, nil
		},
	}

	e := New(cfg)
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Query:  "{ hello }",
	}))
	require.Equal(t, http.StatusInternalServerError, res.Status)
	require.Equal(t, "boom", res.Payload.Errors[0].Message)
	require.False(t, executed)

	// The event-stream preference survives the failure.
	d := e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Header: sseHeader(),
		Query:  "{ hello }",
	})
	push, ok := d.(*delivery.Push)
	require.True(t, ok, "expected *delivery.Push, got %T", d)
	chunks := drain(t, push.Source)
	require.Len(t, chunks, 1)
	require.Equal(t, "boom", chunks[0].Errors[0].Message)
}

func TestSubscriptionStreamIsAlwaysPush(t *testing.T) {
	subscribe := func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
		return nil, streamOf(
			&delivery.Result{Data: map[string]any{"ticks": 1}},
			&delivery.Result{Data: map[string]any{"ticks": 2}},
		), nil
	}
	want := []*delivery.Result{
		{Data: map[string]any{"ticks": 1}},
		{Data: map[string]any{"ticks": 2}},
	}
	for _, header := range []http.Header{nil, sseHeader()} {
		e := New(Config{Schema: testSchema(t), Execute: helloExecute, Subscribe: subscribe})
		d := e.Process(context.Background(), &Request{
			Method: http.MethodPost,
			Header: header,
			Query:  "subscription { ticks }",
		})
		push, ok := d.(*delivery.Push)
		require.True(t, ok, "expected *delivery.Push, got %T", d)
		if diff := cmp.Diff(want, drain(t, push.Source)); diff != "" {
			t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSubscriptionSingleValueFollowsAccept(t *testing.T) {
	subscribe := func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
		return &delivery.Result{Errors: language.ErrorList{language.Errorf("no such topic")}}, nil, nil
	}
	e := New(Config{Schema: testSchema(t), Execute: helloExecute, Subscribe: subscribe})

	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Query:  "subscription { ticks }",
	}))
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "no such topic", res.Payload.Errors[0].Message)

	d := e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Header: sseHeader(),
		Query:  "subscription { ticks }",
	})
	push, ok := d.(*delivery.Push)
	require.True(t, ok, "expected *delivery.Push, got %T", d)
	chunks := drain(t, push.Source)
	require.Len(t, chunks, 1)
	require.Equal(t, "no such topic", chunks[0].Errors[0].Message)
}

func TestIncrementalShapeFollowsAccept(t *testing.T) {
	incremental := func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
		return nil, streamOf(
			&delivery.Result{Data: map[string]any{"feed": []any{}}, HasNext: delivery.HasNext(true)},
			&delivery.Result{Data: []any{"alpha"}, Path: []any{"feed", 0}, HasNext: delivery.HasNext(false)},
		), nil
	}

	want := []*delivery.Result{
		{Data: map[string]any{"feed": []any{}}, HasNext: delivery.HasNext(true)},
		{Data: []any{"alpha"}, Path: []any{"feed", 0}, HasNext: delivery.HasNext(false)},
	}

	e := New(Config{Schema: testSchema(t), Execute: incremental})
	d := e.Process(context.Background(), &Request{Method: http.MethodPost, Query: "{ feed }"})
	mp, ok := d.(*delivery.MultipartResponse)
	require.True(t, ok, "expected *delivery.MultipartResponse, got %T", d)
	if diff := cmp.Diff(want, drain(t, mp.Source)); diff != "" {
		t.Fatalf("multipart chunks mismatch (-want +got):\n%s", diff)
	}

	e = New(Config{Schema: testSchema(t), Execute: incremental})
	d = e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Header: sseHeader(),
		Query:  "{ feed }",
	})
	push, ok := d.(*delivery.Push)
	require.True(t, ok, "expected *delivery.Push, got %T", d)
	if diff := cmp.Diff(want, drain(t, push.Source)); diff != "" {
		t.Fatalf("push chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutionErrorNormalized(t *testing.T) {
	e := New(Config{
		Schema: testSchema(t),
		Execute: func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
			return nil, nil, errors.New("resolver exploded")
		},
	})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Query:  "{ hello }",
	}))
	require.Equal(t, http.StatusInternalServerError, res.Status)
	require.Equal(t, "resolver exploded", res.Payload.Errors[0].Message)
}

func TestSubscribeCollaboratorMissing(t *testing.T) {
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Query:  "subscription { ticks }",
	}))
	require.Equal(t, http.StatusInternalServerError, res.Status)
}

func TestFormatPayloadSeesRequestState(t *testing.T) {
	var gotArgs *FormatArgs
	e := New(Config{
		Schema:         testSchema(t),
		Execute:        helloExecute,
		ContextFactory: func(context.Context, *PreparedOperation) (any, error) { return "cv", nil },
		RootFactory:    func(context.Context, *PreparedOperation) (any, error) { return "rv", nil },
		FormatPayload: func(payload *delivery.Result, args *FormatArgs) *delivery.Result {
			gotArgs = args
			if payload.Extensions == nil {
				payload.Extensions = map[string]any{}
			}
			payload.Extensions["formatted"] = true
			return payload
		},
	})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method: http.MethodPost,
		Query:  "{ hello }",
	}))
	require.Equal(t, true, res.Payload.Extensions["formatted"])
	require.Equal(t, "cv", gotArgs.ContextValue)
	require.Equal(t, "rv", gotArgs.RootValue)
	require.NotNil(t, gotArgs.Document)
	require.NotNil(t, gotArgs.Operation)
}

func TestFormatPayloadAppliesToChunks(t *testing.T) {
	e := New(Config{
		Schema: testSchema(t),
		Execute: func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error) {
			return nil, streamOf(
				&delivery.Result{Data: map[string]any{"feed": []any{}}, HasNext: delivery.HasNext(true)},
				&delivery.Result{Data: []any{"x"}, HasNext: delivery.HasNext(false)},
			), nil
		},
		FormatPayload: func(payload *delivery.Result, args *FormatArgs) *delivery.Result {
			payload.Extensions = map[string]any{"formatted": true}
			return payload
		},
	})
	d := e.Process(context.Background(), &Request{Method: http.MethodPost, Query: "{ feed }"})
	mp, ok := d.(*delivery.MultipartResponse)
	require.True(t, ok)
	for _, chunk := range drain(t, mp.Source) {
		require.Equal(t, true, chunk.Extensions["formatted"])
	}
}

func TestPreParsedDocumentSkipsParsing(t *testing.T) {
	doc, err := language.ParseQuery("{ hello }")
	require.NoError(t, err)
	e := New(Config{Schema: testSchema(t), Execute: helloExecute})
	res := requireResponse(t, e.Process(context.Background(), &Request{
		Method:   http.MethodPost,
		Document: doc,
	}))
	require.Equal(t, http.StatusOK, res.Status)
}

func TestWantsEventStream(t *testing.T) {
	require.False(t, WantsEventStream(nil))
	require.False(t, WantsEventStream(http.Header{"Accept": []string{"application/json"}}))
	require.True(t, WantsEventStream(http.Header{"Accept": []string{"text/event-stream"}}))
	require.True(t, WantsEventStream(http.Header{"Accept": []string{"application/json, text/event-stream;q=0.9"}}))
	require.True(t, WantsEventStream(http.Header{"Accept": []string{"text/event-stream; q=0.5"}}))
	require.False(t, WantsEventStream(http.Header{"Accept": []string{"text/event-stream;q=0"}}))
	require.False(t, WantsEventStream(http.Header{"Accept": []string{"application/json, text/event-stream;q=0.000"}}))

	h := http.Header{}
	h.Set("accept", "text/event-stream")
	require.True(t, WantsEventStream(h))
}
