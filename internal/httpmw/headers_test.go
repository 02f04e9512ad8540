package httpmw

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestChain_Order(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), tag("a"), nil, tag("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if got := strings.Join(order, ","); got != "a,b,handler" {
		t.Fatalf("order = %s", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	want := map[string]string{
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              "DENY",
		"Referrer-Policy":              "strict-origin-when-cross-origin",
		"Cross-Origin-Opener-Policy":   "same-origin",
		"Cross-Origin-Resource-Policy": "same-origin",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "img-src 'self' data: https://cdn.sanity.io") {
		t.Errorf("CSP does not allow CMS images: %q", csp)
	}
	if !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Errorf("CSP missing frame-ancestors: %q", csp)
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	called := 0
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		_, readErr = io.ReadAll(r.Body)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345678")))
	if readErr != nil {
		t.Fatalf("body at limit: %v", readErr)
	}

	// declared length over the cap never reaches the handler
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("123456789")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("declared oversize: status = %d, want 413", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Request body too large") {
		t.Fatalf("declared oversize: body = %q", rec.Body.String())
	}
	if called != 1 {
		t.Fatalf("handler calls = %d, want 1", called)
	}

	// unknown length is cut off while reading
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("123456789"))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)
	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) {
		t.Fatalf("chunked oversize: err = %v, want *http.MaxBytesError", readErr)
	}
}

func TestMaxBody_ZeroDisables(t *testing.T) {
	var n int
	h := MaxBody(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		n = len(b)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 1024))))
	if n != 1024 {
		t.Fatalf("read %d bytes, want 1024", n)
	}
}

func newRecordingTracer(t *testing.T) (trace.Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("test"), sr
}

func TestTraceResponseHeaders(t *testing.T) {
	tracer, _ := newRecordingTracer(t)
	ctx, span := tracer.Start(context.Background(), "req")
	defer span.End()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx)
	TraceResponseHeaders("", "")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	sc := span.SpanContext()
	if got := rec.Header().Get("X-Trace-Id"); got != sc.TraceID().String() {
		t.Fatalf("X-Trace-Id = %q, want %q", got, sc.TraceID())
	}
	if got := rec.Header().Get("X-Span-Id"); got != sc.SpanID().String() {
		t.Fatalf("X-Span-Id = %q, want %q", got, sc.SpanID())
	}
}

func TestTraceResponseHeaders_NoSpan(t *testing.T) {
	rec := httptest.NewRecorder()
	TraceResponseHeaders("", "")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Header().Get("X-Trace-Id") != "" {
		t.Fatal("trace header set without a span")
	}
}

func TestTraceResponseHeaders_CustomNames(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	tests := []struct {
		name     string
		sc       trace.SpanContextConfig
		wantSpan string
	}{
		{"trace and span", trace.SpanContextConfig{TraceID: tid, SpanID: sid}, sid.String()},
		{"trace only", trace.SpanContextConfig{TraceID: tid}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(tt.sc))
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx)
			TraceResponseHeaders("Traceparent-Id", "Span")(next).ServeHTTP(rec, req)

			if got := rec.Header().Get("Traceparent-Id"); got != tid.String() {
				t.Fatalf("trace header = %q, want %q", got, tid)
			}
			if got := rec.Header().Get("Span"); got != tt.wantSpan {
				t.Fatalf("span header = %q, want %q", got, tt.wantSpan)
			}
			if rec.Header().Get(TraceIDHeader) != "" {
				t.Fatal("default header written alongside a custom one")
			}
		})
	}
}

func TestAnnotateHTTPRoute(t *testing.T) {
	tracer, sr := newRecordingTracer(t)

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	r.Get("/api/imoveis/{slug}", func(http.ResponseWriter, *http.Request) {})

	ctx, span := tracer.Start(context.Background(), "GET")
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/imoveis/casa-azul", http.NoBody).WithContext(ctx))
	span.End()

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if got := ended[0].Name(); got != "GET /api/imoveis/{slug}" {
		t.Fatalf("span name = %q", got)
	}
}
