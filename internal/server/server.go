// Package server exposes the processing engine over HTTP and maps each
// delivery shape to its wire protocol: a single JSON body, a
// multipart/mixed patch stream, or a server-sent event stream.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanpama/graphserve/internal/delivery"
	"github.com/hanpama/graphserve/internal/engine"
	eventbus "github.com/hanpama/graphserve/internal/eventbus"
	events "github.com/hanpama/graphserve/internal/events"
	language "github.com/hanpama/graphserve/internal/language"
	reqid "github.com/hanpama/graphserve/internal/reqid"
)

// Handler is an http.Handler that serves a GraphQL endpoint with
// single, multipart, and event-stream delivery.
type Handler struct {
	engine *engine.Engine
	opt    Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has
	// none. 0 means no default timeout. Streaming responses are cut off
	// when it expires, so leave it at 0 when serving subscriptions.
	Timeout time.Duration

	// Pretty enables indented JSON for single responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// GraphiQL enables the in-browser IDE when true.
	GraphiQL bool
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithGraphiQL(enable bool) Option { return func(o *Options) { o.GraphiQL = enable } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a GraphQL HTTP handler in front of the given engine.
func New(eng *engine.Engine, opts ...Option) *Handler {
	op := Options{GraphiQL: true}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{engine: eng, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, _ = reqid.NewContext(ctx)
	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	// Serve the GraphiQL IDE when enabled and the client expects HTML.
	if r.Method == http.MethodGet && h.opt.GraphiQL && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, graphiqlPage)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	req, batch, perr := parseRequest(r, h.opt.MaxBodyBytes)
	if perr != nil {
		status = perr.status
		writeJSON(w, status, errorPayload(perr.message), h.opt.Pretty)
		return
	}

	if batch != nil {
		h.serveBatch(ctx, w, batch)
		return
	}

	status = h.serveOne(ctx, w, req)
}

// serveOne processes a single request and drives the wire protocol for
// its delivery shape. It returns the HTTP status written.
func (h *Handler) serveOne(ctx context.Context, w http.ResponseWriter, req *engine.Request) int {
	start := time.Now()
	eventbus.Publish(ctx, events.OperationStart{Query: req.Query, OperationName: req.OperationName})
	d := h.engine.Process(ctx, req)
	eventbus.Publish(ctx, events.OperationFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		Shape:         shapeName(d),
		Status:        shapeStatus(d),
		Duration:      time.Since(start),
	})

	switch t := d.(type) {
	case *delivery.Response:
		writeResponse(w, t, h.opt.Pretty)
		return t.Status
	case *delivery.MultipartResponse:
		writeMultipart(ctx, w, t.Source)
		return http.StatusOK
	case *delivery.Push:
		writeEventStream(ctx, w, t.Source)
		return http.StatusOK
	default:
		writeJSON(w, http.StatusInternalServerError, errorPayload("unknown delivery shape"), h.opt.Pretty)
		return http.StatusInternalServerError
	}
}

// serveBatch executes an array of requests and answers with an array
// of payloads. Streaming shapes cannot share one connection body, so a
// member classifying as one is answered with an error payload and its
// stream is abandoned.
func (h *Handler) serveBatch(ctx context.Context, w http.ResponseWriter, batch []*engine.Request) {
	payloads := make([]any, len(batch))
	for i, req := range batch {
		switch t := h.engine.Process(ctx, req).(type) {
		case *delivery.Response:
			payloads[i] = t.Payload
		case *delivery.MultipartResponse:
			t.Source.Close()
			payloads[i] = errorPayload("streaming operations cannot be batched")
		case *delivery.Push:
			t.Source.Close()
			payloads[i] = errorPayload("streaming operations cannot be batched")
		}
	}
	writeJSON(w, http.StatusOK, payloads, h.opt.Pretty)
}

func shapeName(d delivery.Delivery) string {
	switch d.(type) {
	case *delivery.Response:
		return "response"
	case *delivery.MultipartResponse:
		return "multipart"
	case *delivery.Push:
		return "push"
	}
	return "unknown"
}

func shapeStatus(d delivery.Delivery) int {
	if res, ok := d.(*delivery.Response); ok {
		return res.Status
	}
	return http.StatusOK
}

// ------------------ Request parsing ------------------

type graphQLRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	Extensions    map[string]any  `json:"extensions,omitempty"`
}

type parseError struct {
	status  int
	message string
}

func (r graphQLRequest) toEngine(method string, header http.Header) *engine.Request {
	req := &engine.Request{
		Method:        method,
		Header:        header,
		Query:         r.Query,
		OperationName: r.OperationName,
	}
	if len(r.Variables) > 0 {
		req.Variables = r.Variables
	}
	return req
}

// parseRequest extracts one request or a batch from r. Query-string
// variables stay serialized so the engine's pluggable decoder sees
// them; body parse failures are transport errors reported here.
func parseRequest(r *http.Request, maxBody int64) (*engine.Request, []*engine.Request, *parseError) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req := &engine.Request{
			Method:        r.Method,
			Header:        r.Header,
			Query:         q.Get("query"),
			OperationName: q.Get("operationName"),
		}
		if v := q.Get("variables"); v != "" {
			req.Variables = v
		}
		return req, nil, nil
	}

	if r.Method != http.MethodPost {
		// Let the engine produce the method-not-allowed payload with its
		// Allow header.
		return &engine.Request{Method: r.Method, Header: r.Header}, nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return nil, nil, &parseError{status: http.StatusBadRequest, message: "unsupported Content-Type"}
	}

	defer r.Body.Close()
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, &parseError{status: http.StatusBadRequest, message: "failed to read body"}
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, nil, &parseError{status: http.StatusRequestEntityTooLarge, message: "body too large"}
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var arr []graphQLRequest
		if err := json.Unmarshal(body, &arr); err != nil {
			return nil, nil, &parseError{status: http.StatusBadRequest, message: "invalid JSON"}
		}
		if len(arr) == 0 {
			return nil, nil, &parseError{status: http.StatusBadRequest, message: "empty batch"}
		}
		batch := make([]*engine.Request, len(arr))
		for i, gr := range arr {
			batch[i] = gr.toEngine(r.Method, r.Header)
		}
		return nil, batch, nil
	}

	var gr graphQLRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &gr); err != nil {
			return nil, nil, &parseError{status: http.StatusBadRequest, message: "invalid JSON"}
		}
	}
	return gr.toEngine(r.Method, r.Header), nil, nil
}

// ------------------ CORS ------------------

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	wildcard := false
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			wildcard = true
			allowed = true
		} else if o == origin {
			allowed = true
		}
	}
	if !allowed {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func acceptsHTML(accept string) bool {
	for _, p := range strings.Split(accept, ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "text/html") || p == "*/*" {
			return true
		}
	}
	return false
}

func errorPayload(message string) *delivery.Result {
	return &delivery.Result{Errors: language.ErrorList{language.Errorf("%s", message)}}
}
