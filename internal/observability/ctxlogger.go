package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns the process logger enriched with the active
// span's trace/span ids. Every retrieval request fans out into several
// concurrent searches plus provider calls; tagging each line with the
// trace id is what lets the log backend stitch one request back together.
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return &l
	}
	c := l.With().Str("trace_id", sc.TraceID().String())
	if sc.HasSpanID() {
		c = c.Str("span_id", sc.SpanID().String())
	}
	if sc.IsSampled() {
		c = c.Bool("trace_sampled", true)
	}
	l = c.Logger()
	return &l
}
