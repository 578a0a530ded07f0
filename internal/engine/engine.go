// Package engine resolves one inbound GraphQL request into a delivery
// shape: it prepares the operation, builds per-request values, drives
// the execute/subscribe collaborators, and classifies the outcome as a
// single response, a multipart patch sequence, or an event-stream push.
// Failures at any stage are normalized into the same three shapes.
package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/hanpama/graphserve/internal/delivery"
	"github.com/hanpama/graphserve/internal/language"
)

// Request is the transport-independent form of one inbound operation.
type Request struct {
	// Method is the HTTP method the request arrived with. Empty means
	// no method restriction applies.
	Method string

	// Header carries at least the Accept negotiation header. May be nil.
	Header http.Header

	// Query is the raw query text. Document, when set, is a pre-parsed
	// form and takes precedence.
	Query    string
	Document *language.QueryDocument

	// Variables holds decoded variables (map[string]any) or serialized
	// JSON text (string, []byte, or json.RawMessage). Nil means none.
	Variables any

	OperationName string
}

// PreparedOperation is a validated, executable operation with decoded
// variables. Immutable once built.
type PreparedOperation struct {
	Document  *language.QueryDocument
	Operation *language.OperationDefinition
	Variables map[string]any
}

// ExecutionArgs is what the execute/subscribe collaborators receive.
type ExecutionArgs struct {
	Schema        *language.Schema
	Document      *language.QueryDocument
	Operation     *language.OperationDefinition
	ContextValue  any
	RootValue     any
	Variables     map[string]any
	OperationName string
}

// ExecuteFunc runs a query or mutation. On success exactly one of the
// two values is non-nil: a single result, or a stream when the
// operation produces incremental patches.
type ExecuteFunc func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error)

// SubscribeFunc starts a subscription. A stream is the event source; a
// single result means the subscription could not begin streaming and
// carries its setup outcome.
type SubscribeFunc func(ctx context.Context, args ExecutionArgs) (*delivery.Result, *delivery.Stream, error)

// FactoryFunc builds a per-request value such as the context value or
// the root value. Invoked at most once per request.
type FactoryFunc func(ctx context.Context, op *PreparedOperation) (any, error)

// FormatArgs gives a payload formatter the per-request entities for
// full observability.
type FormatArgs struct {
	ContextValue any
	RootValue    any
	Document     *language.QueryDocument
	Operation    *language.OperationDefinition
}

// FormatFunc rewrites a payload before it is handed to the transport.
// Every payload passes through it, whether a full result, one patch,
// or a normalized error payload.
type FormatFunc func(payload *delivery.Result, args *FormatArgs) *delivery.Result

// DecodeVariablesFunc decodes serialized variables text. The default
// is strict JSON-object decoding.
type DecodeVariablesFunc func(raw []byte) (map[string]any, error)

// Config wires the collaborators and strategy hooks for an Engine.
// Execute is required. Subscribe is required only when subscription
// operations are expected. Every other field has a working default.
type Config struct {
	Schema    *language.Schema
	Execute   ExecuteFunc
	Subscribe SubscribeFunc

	// Rules overrides the validation rule set. Nil means the default
	// rules.
	Rules []language.ValidationRule

	// ContextFactory and RootFactory build the per-request context and
	// root values. Nil factories yield nil values, not errors.
	ContextFactory FactoryFunc
	RootFactory    FactoryFunc

	// FormatPayload rewrites payloads before delivery. Nil means
	// identity.
	FormatPayload FormatFunc

	// DecodeVariables decodes serialized variables. Nil means strict
	// JSON-object decoding.
	DecodeVariables DecodeVariablesFunc
}

// Engine turns requests into delivery shapes. Safe for concurrent use;
// all per-request state lives on the stack of Process.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine { return &Engine{cfg: cfg} }

// requestState carries the per-request entities needed to format
// payloads, including error payloads produced after a later stage has
// already populated some of them.
type requestState struct {
	contextValue any
	rootValue    any
	document     *language.QueryDocument
	operation    *language.OperationDefinition
}

// Process runs the full pipeline for one request. It never returns an
// error: every failure is normalized into a payload of shape
// {"errors": [...]}, delivered as a single-chunk Push when the client
// asked for an event stream and as a Response otherwise.
func (e *Engine) Process(ctx context.Context, req *Request) delivery.Delivery {
	push := WantsEventStream(req.Header)
	state := &requestState{}
	d, err := e.process(ctx, req, push, state)
	if err != nil {
		return e.normalize(err, push, state)
	}
	return d
}

func (e *Engine) process(ctx context.Context, req *Request, push bool, state *requestState) (delivery.Delivery, error) {
	op, rerr := e.prepare(req)
	if rerr != nil {
		return nil, rerr
	}
	state.document = op.Document
	state.operation = op.Operation

	contextValue, err := buildValue(ctx, e.cfg.ContextFactory, op)
	if err != nil {
		return nil, executionSetupError(err)
	}
	state.contextValue = contextValue

	rootValue, err := buildValue(ctx, e.cfg.RootFactory, op)
	if err != nil {
		return nil, executionSetupError(err)
	}
	state.rootValue = rootValue

	args := ExecutionArgs{
		Schema:        e.cfg.Schema,
		Document:      op.Document,
		Operation:     op.Operation,
		ContextValue:  contextValue,
		RootValue:     rootValue,
		Variables:     op.Variables,
		OperationName: req.OperationName,
	}

	if op.Operation.Operation == language.Subscription {
		return e.classifySubscription(ctx, args, push, state)
	}
	return e.classifyExecution(ctx, args, push, state)
}

// classifySubscription drives the subscribe collaborator. A stream
// outcome is always pushed, whatever the client's framing preference;
// a single-value outcome follows the event-stream preference. The two
// single-value cases (setup failure reported as a result, or a plain
// value) are deliberately indistinguishable here.
func (e *Engine) classifySubscription(ctx context.Context, args ExecutionArgs, push bool, state *requestState) (delivery.Delivery, error) {
	if e.cfg.Subscribe == nil {
		return nil, executionError(language.Errorf("subscription operations are not supported"))
	}
	single, stream, err := e.cfg.Subscribe(ctx, args)
	if err != nil {
		return nil, executionError(err)
	}
	switch {
	case stream != nil:
		return &delivery.Push{Source: e.formatStream(stream, state)}, nil
	case push:
		return &delivery.Push{Source: delivery.Single(e.format(single, state))}, nil
	default:
		return &delivery.Response{Status: http.StatusOK, Payload: e.format(single, state)}, nil
	}
}

// classifyExecution drives the execute collaborator. Single results
// terminate as responses; incremental streams follow the client's
// framing preference.
func (e *Engine) classifyExecution(ctx context.Context, args ExecutionArgs, push bool, state *requestState) (delivery.Delivery, error) {
	single, stream, err := e.cfg.Execute(ctx, args)
	if err != nil {
		return nil, executionError(err)
	}
	switch {
	case stream != nil && push:
		return &delivery.Push{Source: e.formatStream(stream, state)}, nil
	case stream != nil:
		return &delivery.MultipartResponse{Source: e.formatStream(stream, state)}, nil
	default:
		return &delivery.Response{Status: http.StatusOK, Payload: e.format(single, state)}, nil
	}
}

// prepare runs parsing, validation, operation selection, the method
// compatibility check, and variable decoding, in that order.
func (e *Engine) prepare(req *Request) (*PreparedOperation, *Error) {
	if req.Method != "" && req.Method != http.MethodGet && req.Method != http.MethodPost {
		return nil, methodNotAllowedError(
			"GraphQL only supports GET and POST requests.",
			http.MethodGet, http.MethodPost,
		)
	}

	doc := req.Document
	if doc == nil {
		if strings.TrimSpace(req.Query) == "" {
			return nil, missingQueryError()
		}
		parsed, err := language.ParseQuery(req.Query)
		if err != nil {
			return nil, syntaxError(err)
		}
		doc = parsed
	}

	if e.cfg.Schema != nil {
		if errs := language.Validate(e.cfg.Schema, doc, e.cfg.Rules...); len(errs) > 0 {
			return nil, validationError(errs)
		}
	}

	op := language.SelectOperation(doc, req.OperationName)
	if op == nil {
		if req.OperationName == "" {
			return nil, operationResolutionError("Must provide operation name if query contains multiple operations.")
		}
		return nil, operationResolutionError("Could not determine what operation to execute.")
	}

	if req.Method == http.MethodGet && op.Operation == language.Mutation {
		return nil, methodNotAllowedError(
			"Can only perform a mutation operation from a POST request.",
			http.MethodPost,
		)
	}

	vars, rerr := e.decodeVariables(req.Variables)
	if rerr != nil {
		return nil, rerr
	}
	return &PreparedOperation{Document: doc, Operation: op, Variables: vars}, nil
}

func (e *Engine) decodeVariables(v any) (map[string]any, *Error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return t, nil
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		return nil, invalidVariablesError()
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	decode := e.cfg.DecodeVariables
	if decode == nil {
		decode = decodeJSONVariables
	}
	vars, err := decode(raw)
	if err != nil {
		return nil, invalidVariablesError()
	}
	return vars, nil
}

func decodeJSONVariables(raw []byte) (map[string]any, error) {
	var vars map[string]any
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

func buildValue(ctx context.Context, factory FactoryFunc, op *PreparedOperation) (any, error) {
	if factory == nil {
		return nil, nil
	}
	return factory(ctx, op)
}

// normalize converts a staged failure into a delivery shape, keeping
// the transport-framing decision that was made before the failure.
func (e *Engine) normalize(err error, push bool, state *requestState) delivery.Delivery {
	re, ok := err.(*Error)
	if !ok {
		re = executionError(err)
	}
	payload := e.format(&delivery.Result{Errors: re.Errs}, state)
	if push {
		return &delivery.Push{Source: delivery.Single(payload)}
	}
	return &delivery.Response{Status: re.Status, Header: re.Header, Payload: payload}
}

func (e *Engine) format(r *delivery.Result, state *requestState) *delivery.Result {
	if e.cfg.FormatPayload == nil {
		return r
	}
	return e.cfg.FormatPayload(r, &FormatArgs{
		ContextValue: state.contextValue,
		RootValue:    state.rootValue,
		Document:     state.document,
		Operation:    state.operation,
	})
}

func (e *Engine) formatStream(s *delivery.Stream, state *requestState) *delivery.Stream {
	if e.cfg.FormatPayload == nil {
		return s
	}
	return s.Map(func(r *delivery.Result) *delivery.Result { return e.format(r, state) })
}

// WantsEventStream reports whether the client asked for event-stream
// framing through the Accept header. Lookup is case-insensitive in the
// header name. A q=0 quality parameter marks the media type as
// unacceptable; other q values count as wanting it.
func WantsEventStream(h http.Header) bool {
	if h == nil {
		return false
	}
	for _, accept := range h.Values("Accept") {
		for _, part := range strings.Split(accept, ",") {
			fields := strings.Split(part, ";")
			if strings.TrimSpace(fields[0]) != "text/event-stream" {
				continue
			}
			if acceptQuality(fields[1:]) > 0 {
				return true
			}
		}
	}
	return false
}

func acceptQuality(params []string) float64 {
	for _, p := range params {
		if v, ok := strings.CutPrefix(strings.TrimSpace(p), "q="); ok {
			q, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 1
			}
			return q
		}
	}
	return 1
}
