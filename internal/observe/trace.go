package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the echoback tracer.
const tracerName = "github.com/MrWong99/echoback"

// Span attribute keys for utterance spans.
const (
	AttrFirstSeq = attribute.Key("echoback.utterance.first_seq")
	AttrFrames   = attribute.Key("echoback.utterance.frames")
	AttrDropped  = attribute.Key("echoback.utterance.dropped")
	AttrSeconds  = attribute.Key("echoback.utterance.seconds")
)

// Tracer returns the package-level [trace.Tracer] for echoback. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartUtterance starts the span that covers one utterance, from the ON edge
// to its flush. firstSeq is the sequence number of the frame that turned the
// detector on.
func StartUtterance(ctx context.Context, firstSeq uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, "utterance",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrFirstSeq.Int64(int64(firstSeq))),
	)
}

// EndUtterance annotates span with the flush outcome and ends it. A non-zero
// dropped count marks the span as an error.
func EndUtterance(span trace.Span, frames, dropped int, seconds float64) {
	span.SetAttributes(
		AttrFrames.Int(frames),
		AttrDropped.Int(dropped),
		AttrSeconds.Float64(seconds),
	)
	if dropped > 0 {
		span.SetStatus(codes.Error, "frames dropped")
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
