package httpmw

import (
	"cmp"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Response headers that let a lead or a studio editor quote the trace of a
// failed request.
const (
	TraceIDHeader = "X-Trace-Id"
	SpanIDHeader  = "X-Span-Id"
)

// TraceResponseHeaders copies the request's trace position onto the
// response. The span id is only written alongside a trace id. Empty names
// fall back to TraceIDHeader and SpanIDHeader.
func TraceResponseHeaders(traceHeader, spanHeader string) Middleware {
	traceHeader = cmp.Or(traceHeader, TraceIDHeader)
	spanHeader = cmp.Or(spanHeader, SpanIDHeader)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanContextFromContext(r.Context())
			if sc.HasTraceID() {
				h := w.Header()
				h.Set(traceHeader, sc.TraceID().String())
				if sc.HasSpanID() {
					h.Set(spanHeader, sc.SpanID().String())
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
