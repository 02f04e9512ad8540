package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no chi route claimed, so scanners probing
// random paths cannot blow up label cardinality.
const unmatchedRoute = "unmatched"

// Middleware measures inflight, total, duration, size and 5xx count per chi
// route pattern. Rejected admissions never get here; they are counted by the
// admission metrics.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the pattern chi fills in further down must be visible here
		// after the handler returns
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		mt := httpsnoop.CaptureMetrics(next, w, r)
		m.inflight.Dec()

		m.observe(r, mt)
	})
}

func (m *ServerMetrics) observe(r *http.Request, mt httpsnoop.Metrics) {
	ctx := r.Context()
	route := routeLabel(ctx)
	method := r.Method

	m.reqTotal.WithLabelValues(method, route, strconv.Itoa(mt.Code)).Inc()
	if mt.Code >= 500 {
		m.errorsTotal.WithLabelValues(method, route).Inc()
	}

	lat := mt.Duration.Seconds()
	obs := m.reqDur.WithLabelValues(method, route)
	if eo, ok := obs.(prometheus.ExemplarObserver); ok {
		if ex := traceExemplar(ctx); ex != nil {
			eo.ObserveWithExemplar(lat, ex)
		} else {
			obs.Observe(lat)
		}
	} else {
		obs.Observe(lat)
	}

	m.respBytes.WithLabelValues(method, route).Observe(float64(mt.Written))
}

func routeLabel(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// if a sampled trace is present attach its trace_id as an exemplar
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
