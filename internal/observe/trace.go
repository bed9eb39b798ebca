package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxline"

// Span names used across the call pipeline.
const (
	SpanCallStart      = "call.start"
	SpanSessionConnect = "session.connect"
	SpanCallTeardown   = "call.teardown"
)

// Span attribute keys identifying a call.
const (
	AttrCallID   = attribute.Key("call.id")
	AttrAgent    = attribute.Key("call.agent")
	AttrProvider = attribute.Key("call.provider")
)

// Tracer returns the voxline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it, usually through
// [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithCall tags a span with the call it belongs to. Empty values are left
// out.
func WithCall(callID, agentID string) trace.SpanStartOption {
	attrs := make([]attribute.KeyValue, 0, 2)
	if callID != "" {
		attrs = append(attrs, AttrCallID.String(callID))
	}
	if agentID != "" {
		attrs = append(attrs, AttrAgent.String(agentID))
	}
	return trace.WithAttributes(attrs...)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, tagged with trace_id and span_id when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
