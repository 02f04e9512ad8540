package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/trace"
)

// siteRouter mirrors the public routes: metrics runs inside the router so the
// chi pattern is known when the request finishes.
func siteRouter(m *ServerMetrics) http.Handler {
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/imoveis", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"count":0,"imoveis":[]}`))
	})
	r.Get("/imoveis/{slug}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	r.Post("/api/consultas", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	r.Get("/studio/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func labelsOf(s *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range s.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func findSample(f *dto.MetricFamily, want map[string]string) *dto.Metric {
	for _, s := range f.GetMetric() {
		got := labelsOf(s)
		match := true
		for k, v := range want {
			if got[k] != v {
				match = false
				break
			}
		}
		if match {
			return s
		}
	}
	return nil
}

func TestMiddleware_RouteStatusLabels(t *testing.T) {
	m := New()
	h := siteRouter(m)

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/imoveis"},
		{http.MethodGet, "/api/imoveis?tipo=casa"},
		{http.MethodGet, "/imoveis/casa-azul"},
		{http.MethodGet, "/imoveis/apto-centro"},
		{http.MethodPost, "/api/consultas"},
		{http.MethodGet, "/studio/desk/consulta"},
	} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(req.method, req.path, http.NoBody))
	}

	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil {
		t.Fatal("http_requests_total not found")
	}
	tests := []struct {
		labels map[string]string
		want   float64
	}{
		{map[string]string{"method": "GET", "route": "/api/imoveis", "status": "200"}, 2},
		{map[string]string{"method": "GET", "route": "/imoveis/{slug}", "status": "404"}, 2},
		{map[string]string{"method": "POST", "route": "/api/consultas", "status": "500"}, 1},
		{map[string]string{"method": "GET", "route": "/studio/*", "status": "204"}, 1},
	}
	for _, tt := range tests {
		s := findSample(f, tt.labels)
		if s == nil {
			t.Errorf("no sample for %v", tt.labels)
			continue
		}
		if got := s.GetCounter().GetValue(); got != tt.want {
			t.Errorf("%v = %f, want %f", tt.labels, got, tt.want)
		}
	}
}

func TestMiddleware_ServerErrorsOnly5xx(t *testing.T) {
	m := New()
	h := siteRouter(m)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/imoveis/x", http.NoBody))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/consultas", http.NoBody))

	f := gatherMetric(t, m.reg, "http_errors_total")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatalf("http_errors_total = %v, want one series", f)
	}
	if got := labelsOf(f.GetMetric()[0])["route"]; got != "/api/consultas" {
		t.Fatalf("error route = %q", got)
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m := New()

	// no router: the middleware supplies its own empty route context
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-login.php", http.NoBody))

	f := gatherMetric(t, m.reg, "http_requests_total")
	got := labelsOf(f.GetMetric()[0])
	if got["route"] != unmatchedRoute || got["status"] != "200" {
		t.Fatalf("labels = %v, want unmatched route and implicit 200", got)
	}
}

func TestMiddleware_SizeDurationAndPassthrough(t *testing.T) {
	m := New()
	rec := httptest.NewRecorder()
	siteRouter(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/imoveis", http.NoBody))

	if rec.Body.String() != `{"count":0,"imoveis":[]}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if n := histogramCount(t, m.reg, "http_request_duration_seconds"); n != 1 {
		t.Fatalf("duration samples = %d", n)
	}
	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if got := f.GetMetric()[0].GetHistogram().GetSampleSum(); got != float64(rec.Body.Len()) {
		t.Fatalf("response size = %f, want %d", got, rec.Body.Len())
	}
}

func TestMiddleware_Inflight(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = gaugeValue(t, m.reg, "http_inflight_requests")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if during != 1 {
		t.Fatalf("inflight during request = %f, want 1", during)
	}
	if after := gaugeValue(t, m.reg, "http_inflight_requests"); after != 0 {
		t.Fatalf("inflight after request = %f, want 0", after)
	}
}

func TestMiddleware_KeepsFlusher(t *testing.T) {
	m := New()
	var flushable bool
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/studio/", http.NoBody))
	if !flushable {
		t.Fatal("wrapped writer lost http.Flusher; the studio proxy streams through it")
	}
}

// exemplars

func spanCtx(flags trace.TraceFlags) context.Context {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceExemplar(t *testing.T) {
	if ex := traceExemplar(spanCtx(trace.FlagsSampled)); ex["trace_id"] != "0102030405060708090a0b0c0d0e0f10" {
		t.Fatalf("sampled exemplar = %v", ex)
	}
	if ex := traceExemplar(spanCtx(0)); ex != nil {
		t.Fatalf("unsampled trace produced exemplar %v", ex)
	}
	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("no trace produced exemplar %v", ex)
	}
}

func TestMiddleware_AttachesExemplar(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/imoveis", http.NoBody).WithContext(spanCtx(trace.FlagsSampled))
	h.ServeHTTP(httptest.NewRecorder(), req)

	f := gatherMetric(t, m.reg, "http_request_duration_seconds")
	var found bool
	for _, b := range f.GetMetric()[0].GetHistogram().GetBucket() {
		if ex := b.GetExemplar(); ex != nil {
			for _, lp := range ex.GetLabel() {
				if lp.GetName() == "trace_id" && lp.GetValue() == "0102030405060708090a0b0c0d0e0f10" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatal("no bucket carries the trace_id exemplar")
	}
}
