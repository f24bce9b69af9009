// Package observe carries the process-wide logging and tracing plumbing.
// Components receive an Observer and derive session-scoped loggers from it
// rather than constructing their own handlers.
package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("loom")

// Observer bundles the structured logger with the tracer entry point.
type Observer struct {
	log *bolt.Logger
}

// New creates an Observer with console output. If verbose is false, only
// warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	l := bolt.New(bolt.NewConsoleHandler(out))
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// NewJSON creates an Observer with JSON output, for machine consumption.
func NewJSON(out io.Writer, verbose bool) *Observer {
	l := bolt.New(bolt.NewJSONHandler(out))
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// Log returns the underlying logger.
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// Session returns a logger carrying the session id on every line.
func (o *Observer) Session(sessionID string) *bolt.Logger {
	return o.log.With().Str("session", sessionID).Logger()
}

// StartSpan starts an OTel span under the loom tracer.
func (o *Observer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// Close flushes buffered output. Bolt handlers write synchronously, so this
// exists for symmetry with future exporters.
func (o *Observer) Close() error {
	return nil
}
