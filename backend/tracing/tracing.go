// Package tracing supplies TraceWriter implementations for
// regencache.Manager's optional trace collaborator.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// OtelTraceWriter implements regencache.TraceWriter by attaching an
// event to the span active on ctx, if any, or to a short-lived span of
// its own otherwise. It is fast and non-blocking: AddEvent never touches
// the network, it just appends to the span's in-memory buffer for the
// exporter to pick up later.
type OtelTraceWriter struct {
	ctx    context.Context
	tracer trace.Tracer
}

// NewOtelTraceWriter builds a writer that records events against ctx's
// active span (typically the span covering the GetOrAdd call that
// triggered a regeneration), using the given instrumentation name for
// otel.Tracer. If ctx carries no span, each Write opens and immediately
// ends a standalone span so the event is never silently dropped.
func NewOtelTraceWriter(ctx context.Context, instrumentationName string) *OtelTraceWriter {
	return &OtelTraceWriter{ctx: ctx, tracer: otel.Tracer(instrumentationName)}
}

// Write implements regencache.TraceWriter.
func (w *OtelTraceWriter) Write(message string) {
	span := trace.SpanFromContext(w.ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent(message)
		return
	}
	_, span = w.tracer.Start(w.ctx, "regencache.trace")
	span.AddEvent(message)
	span.End()
}

// NoopTraceWriter discards every message. Equivalent to the default
// regencache uses when no WithTraceWriter option is supplied; exported
// here so callers can explicitly opt out of tracing even when they
// otherwise configure other backend/tracing writers per environment.
type NoopTraceWriter struct{}

// Write implements regencache.TraceWriter.
func (NoopTraceWriter) Write(string) {}
