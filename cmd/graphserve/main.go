package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/hanpama/graphserve/internal/engine"
	"github.com/hanpama/graphserve/internal/eventbus"
	"github.com/hanpama/graphserve/internal/otel"
	"github.com/hanpama/graphserve/internal/server"
)

const rootUsage = `graphserve — GraphQL request-to-delivery gateway

USAGE:
  graphserve <command> [flags]

COMMANDS:
  serve            Run the HTTP GraphQL endpoint with the demo schema
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -server.addr <addr>       HTTP listen address (default: :8080)
  -server.pretty            Pretty-print single JSON responses
  -server.timeout <dur>     Per-request timeout, e.g. 10s. Cuts off
                            streaming responses; 0 disables (default: 0)
  -server.graphiql <bool>   Enable the GraphiQL IDE (default: true)
  -otel.endpoint <addr>     OTLP collector endpoint
  -otel.service <name>      OpenTelemetry service name (default: graphserve)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("graphserve", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

func cmdServe(args []string) error {
	addr := ":8080"
	pretty := false
	timeout := time.Duration(0)
	graphiql := true
	otelEndpoint := ""
	otelService := "graphserve"

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print single JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.BoolVar(&graphiql, "server.graphiql", graphiql, "Enable the GraphiQL IDE")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	demo := newDemo()
	eng := engine.New(engine.Config{
		Schema:    demo.schema,
		Execute:   demo.execute,
		Subscribe: demo.subscribe,
	})

	opts := []server.Option{server.WithGraphiQL(graphiql)}
	if pretty {
		opts = append(opts, server.WithPretty())
	}
	if timeout > 0 {
		opts = append(opts, server.WithTimeout(timeout))
	}
	h := server.New(eng, opts...)

	log.Printf("listening on %s", addr)
	return http.ListenAndServe(addr, h)
}
