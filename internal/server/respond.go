package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hanpama/graphserve/internal/delivery"
	eventbus "github.com/hanpama/graphserve/internal/eventbus"
	events "github.com/hanpama/graphserve/internal/events"
)

// errSequenceDone stops stream consumption after a terminal-flagged
// chunk without waiting for the producer to close the channel.
var errSequenceDone = errors.New("sequence done")

// writeResponse serializes a single terminal payload.
func writeResponse(w http.ResponseWriter, res *delivery.Response, pretty bool) {
	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	writeJSON(w, res.Status, res.Payload, pretty)
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

// writeMultipart frames the source as multipart/mixed with boundary
// token "-". Each part carries an explicit Content-Length; a boundary
// marker follows every part except terminal-flagged ones; the closing
// boundary is written only when the sequence ends on its own. Client
// disconnect (ctx done) and write failures abandon the source.
func writeMultipart(ctx context.Context, w http.ResponseWriter, src *delivery.Stream) {
	w.Header().Set("Content-Type", `multipart/mixed; boundary="-"`)
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	start := time.Now()
	eventbus.Publish(ctx, events.StreamStart{Shape: "multipart"})
	chunks := 0

	if _, err := io.WriteString(w, "---"); err != nil {
		src.Close()
		eventbus.Publish(ctx, events.StreamEnd{Shape: "multipart", Cancelled: true, Duration: time.Since(start)})
		return
	}
	flush()

	err := src.Subscribe(ctx, func(r *delivery.Result) error {
		body, err := json.Marshal(r)
		if err != nil {
			return err
		}
		var part bytes.Buffer
		part.WriteString("\r\nContent-Type: application/json; charset=utf-8\r\n")
		fmt.Fprintf(&part, "Content-Length: %d\r\n\r\n", len(body))
		part.Write(body)
		if !r.Terminal() {
			part.WriteString("\r\n---")
		}
		if _, err := w.Write(part.Bytes()); err != nil {
			return err
		}
		flush()
		chunks++
		eventbus.Publish(ctx, events.StreamChunk{Shape: "multipart", Bytes: len(body)})
		if r.Terminal() {
			return errSequenceDone
		}
		return nil
	})
	if err == nil || errors.Is(err, errSequenceDone) {
		_, _ = io.WriteString(w, "\r\n-----\r\n")
		flush()
	}
	eventbus.Publish(ctx, events.StreamEnd{
		Shape:     "multipart",
		Chunks:    chunks,
		Cancelled: err != nil && !errors.Is(err, errSequenceDone),
		Duration:  time.Since(start),
	})
}

// writeEventStream frames the source as server-sent events: one
// "data: <json>" frame per chunk. The connection stays open until the
// sequence ends, the client disconnects, or a write fails; all paths
// abandon the source.
func writeEventStream(ctx context.Context, w http.ResponseWriter, src *delivery.Stream) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	start := time.Now()
	eventbus.Publish(ctx, events.StreamStart{Shape: "push"})
	chunks := 0

	err := src.Subscribe(ctx, func(r *delivery.Result) error {
		body, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
			return err
		}
		flush()
		chunks++
		eventbus.Publish(ctx, events.StreamChunk{Shape: "push", Bytes: len(body)})
		return nil
	})
	eventbus.Publish(ctx, events.StreamEnd{
		Shape:     "push",
		Chunks:    chunks,
		Cancelled: err != nil,
		Duration:  time.Since(start),
	})
}
