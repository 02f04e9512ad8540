package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rezendeimoveis/imoveis-web/internal/health"
	"github.com/rezendeimoveis/imoveis-web/internal/httpmw"
	"github.com/rezendeimoveis/imoveis-web/internal/log"
)

// DefaultMaxBodyBytes fits a consultation form with a long description.
const DefaultMaxBodyBytes = 64 << 10

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler

	// RateLimitMW sees the resolved client id in the request context.
	RateLimitMW func(http.Handler) http.Handler
	// ClientID defaults to httpmw.ForwardedClientID.
	ClientID httpmw.Resolver

	MaxBodyBytes int64

	Health    health.Probe
	Readiness health.Probe

	APIRoutes func(chi.Router)
	// SiteHandler answers unmatched routes when set.
	SiteHandler http.Handler
}
