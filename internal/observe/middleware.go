package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the trace ID of the request span back to the caller.
const TraceHeader = "X-Trace-ID"

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware instruments the control server. Each request runs in a server
// span that continues incoming W3C trace context, and its duration is
// recorded by route pattern so that path parameters do not inflate metric
// cardinality. Successful probe and scrape requests log at debug level.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			begin := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(tracerName).Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			if id := TraceID(ctx); id != "" {
				w.Header().Set(TraceHeader, id)
			}

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(sw, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(begin)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.String("code", strconv.Itoa(sw.code)),
			))
			span.SetAttributes(attribute.Int("http.response.status_code", sw.code))

			level := slog.LevelInfo
			if sw.code < http.StatusBadRequest && quietRoute(route) {
				level = slog.LevelDebug
			}
			Logger(ctx).Log(ctx, level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.code,
				"duration", elapsed,
			)
		})
	}
}

func quietRoute(route string) bool {
	switch route {
	case "GET /healthz", "GET /readyz", "GET /metrics":
		return true
	}
	return false
}
