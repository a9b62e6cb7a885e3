package observability

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the response status for metric labels.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware records RED metrics and a server span for every request.
// Request count and duration are labeled with method, route pattern and
// status class; 5xx responses additionally feed the error counter. With
// a disabled provider the wrapper is a passthrough.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := p.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		// The mux fills in the pattern during routing; fall back to the
		// raw path for requests that never matched a route.
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
		}
		span.SetAttributes(attrs...)

		p.RecordRequest(ctx, attrs...)
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if rec.status >= http.StatusInternalServerError {
			p.RecordError(ctx, fmt.Errorf("http %d", rec.status), attrs...)
		}
	})
}
