package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezendeimoveis/imoveis-web/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec
	errorsTotal    *prometheus.CounterVec

	// admission controller
	admissionAllowed  prometheus.Counter
	admissionDenied   prometheus.Counter
	admissionOffender prometheus.Counter
	admissionEvicted  prometheus.Counter
	admissionClients  prometheus.GaugeFunc

	leadsTotal *prometheus.CounterVec

	cmsDur         *prometheus.HistogramVec
	cmsErrorsTotal *prometheus.CounterVec
	catalogSize    prometheus.Gauge
	catalogLoaded  prometheus.Gauge

	profilingActive prometheus.Gauge
}

// New returns a fresh registry with the Go/process collectors and the
// service metrics. Labels are bounded: method, route pattern, status,
// outcome and CMS operation.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		admissionAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_allowed_total",
			Help: "Protected-path requests admitted by the admission controller",
		}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_denied_total",
			Help: "Protected-path requests rejected with 429",
		}),
		admissionOffender: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_offender_windows_total",
			Help: "Client windows that crossed the request limit",
		}),
		admissionEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_evicted_total",
			Help: "Expired client windows removed by eviction",
		}),
		leadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lead_submissions_total",
			Help: "Consultation submissions by outcome",
		}, []string{"outcome"}),
		cmsDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cms_request_duration_seconds",
			Help:    "CMS API latency by operation",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		cmsErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cms_request_errors_total",
			Help: "Failed CMS API calls by operation",
		}, []string{"operation"}),
		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_properties",
			Help: "Number of listings in the cached catalog",
		}),
		catalogLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_loaded_timestamp_seconds",
			Help: "Unix timestamp of the last successful catalog refresh",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.admissionAllowed,
		m.admissionDenied,
		m.admissionOffender,
		m.admissionEvicted,
		m.leadsTotal,
		m.cmsDur,
		m.cmsErrorsTotal,
		m.catalogSize,
		m.catalogLoaded,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) IncAdmissionAllowed() { m.admissionAllowed.Inc() }
func (m *ServerMetrics) IncAdmissionDenied()  { m.admissionDenied.Inc() }

// IncAdmissionOffender counts the first denial of a client window.
func (m *ServerMetrics) IncAdmissionOffender() { m.admissionOffender.Inc() }

func (m *ServerMetrics) AddAdmissionEvicted(n int) {
	if n > 0 {
		m.admissionEvicted.Add(float64(n))
	}
}

// TrackAdmissionClients exports fn as the tracked-clients gauge, read at
// scrape time. Call once.
func (m *ServerMetrics) TrackAdmissionClients(fn func() int) {
	m.admissionClients = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "admission_tracked_clients",
		Help: "Client windows currently held by the admission controller",
	}, func() float64 { return float64(fn()) })
	m.reg.MustRegister(m.admissionClients)
}

func (m *ServerMetrics) IncLead(outcome string) {
	m.leadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCMS records one CMS call. err only decides whether it counts as failed.
func (m *ServerMetrics) ObserveCMS(operation string, d time.Duration, err error) {
	m.cmsDur.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		m.cmsErrorsTotal.WithLabelValues(operation).Inc()
	}
}

func (m *ServerMetrics) SetCatalog(n int, loadedAt time.Time) {
	m.catalogSize.Set(float64(n))
	m.catalogLoaded.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
