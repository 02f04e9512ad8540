package opshttp

import (
	"net/http"

	"github.com/rezendeimoveis/imoveis-web/internal/health"
	"github.com/rezendeimoveis/imoveis-web/internal/log"
)

// DefaultPort is the ops listener port when Options.Port is zero.
const DefaultPort = 9000

type Options struct {
	Logger  log.Logger
	Port    int
	Metrics http.Handler
	// Status, when set, is encoded as JSON at /-/status.
	Status      func() any
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	UseRecoverMW bool
	OnPanic      func()
}
