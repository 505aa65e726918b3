package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// routes are the paths served by the diagnostics listener. Anything else is
// recorded as [otherRoute] so a scanner cannot blow up metric cardinality.
var routes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

const otherRoute = "other"

func route(path string) string {
	if routes[path] {
		return path
	}
	return otherRoute
}

// logLevel picks the level for a completed request. Every known route is
// polled by an orchestrator or a scraper, so a success there is debug noise.
// Failures and unknown paths are always worth seeing.
func logLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError && routes[path]:
		return slog.LevelWarn
	case status < http.StatusBadRequest && routes[path]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps the diagnostics mux. Each request continues an incoming
// W3C trace or starts one, runs in a server span and carries its trace ID
// back in X-Correlation-ID. Its latency lands in
// [Metrics.HTTPRequestDuration] keyed by method and route.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rt := route(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+rt,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.HTTPRoute(rt),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", rt),
				attribute.Int("status", rec.status),
			))
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))

			slog.LogAttrs(ctx, logLevel(r.URL.Path, rec.status), "http request",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("elapsed", elapsed),
			)
		})
	}
}
