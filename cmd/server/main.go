package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/rezendeimoveis/imoveis-web/internal/cfg"
	"github.com/rezendeimoveis/imoveis-web/internal/cms"
	"github.com/rezendeimoveis/imoveis-web/internal/health"
	"github.com/rezendeimoveis/imoveis-web/internal/httpmw"
	"github.com/rezendeimoveis/imoveis-web/internal/httpserver"
	"github.com/rezendeimoveis/imoveis-web/internal/lead"
	"github.com/rezendeimoveis/imoveis-web/internal/listing"
	"github.com/rezendeimoveis/imoveis-web/internal/log"
	"github.com/rezendeimoveis/imoveis-web/internal/metrics"
	"github.com/rezendeimoveis/imoveis-web/internal/opshttp"
	"github.com/rezendeimoveis/imoveis-web/internal/otelx"
	"github.com/rezendeimoveis/imoveis-web/internal/prof"
	"github.com/rezendeimoveis/imoveis-web/internal/ratelimit"
	"github.com/rezendeimoveis/imoveis-web/internal/sitehttp"
	v "github.com/rezendeimoveis/imoveis-web/internal/version"
	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

// time for the load balancer to see failing readiness and stop routing here
const drainPeriod = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion, vi.Dirty(),
		)
		os.Exit(0)
	}

	// cli > IMOVEIS_* env > defaults
	cfg.FillFromEnv(flag.CommandLine, "IMOVEIS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = lvl
	}
	lg, err := log.New(log.Options{
		App:               vi.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
		"ratelimit_window", conf.RateLimitWindow.String(),
		"ratelimit_max", conf.RateLimitMax,
		"ratelimit_prefix", conf.RateLimitPrefix,
		"client_id_mode", conf.ClientIDMode,
		"cms_project_id", conf.CMSProjectID,
		"cms_dataset", conf.CMSDataset,
		"studio_upstream", conf.StudioUpstream,
		"lead_archive_bucket", conf.LeadArchiveBucket,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":         vi.AppName,
			"component":   "server",
			"environment": conf.Environment,
			"version":     vi.Version,
			"commit":      vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// insecure because the collector is a local agent
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Service:     vi.AppName,
		Component:   "server",
		Version:     vi.Version,
		Environment: conf.Environment,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS is only needed for the SSM token and the lead archive
	var awsCfg *aws.Config
	if conf.CMSTokenSSMParam != "" || conf.LeadArchiveBucket != "" {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		awsCfg = &c
	}

	token := conf.CMSToken
	if conf.CMSTokenSSMParam != "" {
		token, err = cms.TokenFromSSM(ctx, ssm.NewFromConfig(*awsCfg), conf.CMSTokenSSMParam)
		if err != nil {
			L.Error(ctx, err, "failed to read CMS token", "ssm_param", conf.CMSTokenSSMParam)
			os.Exit(1)
		}
	}
	if token == "" {
		L.Warn(ctx, "no CMS token configured, consultation submissions will fail")
	}

	cmsClient, err := cms.New(cms.Options{
		ProjectID:  conf.CMSProjectID,
		Dataset:    conf.CMSDataset,
		APIVersion: conf.CMSAPIVersion,
		Token:      token,
		RPS:        conf.CMSRPS,
		Timeout:    conf.CMSTimeout,
		Retries:    conf.CMSRetries,
		Observe:    m.ObserveCMS,
		Logger:     L.With("component", "cms"),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create CMS client")
		os.Exit(1)
	}

	var archive lead.Archiver
	if conf.LeadArchiveBucket != "" {
		a, err := lead.NewS3Archive(s3.NewFromConfig(*awsCfg), conf.LeadArchiveBucket, conf.LeadArchivePrefix)
		if err != nil {
			L.Error(ctx, err, "failed to create lead archive")
			os.Exit(1)
		}
		archive = a
	}

	leads, err := lead.NewService(lead.Options{
		Store:       cmsClient,
		Archive:     archive,
		CountryCode: conf.WhatsAppCountryCode,
		Logger:      L.With("component", "lead"),
		OnOutcome:   m.IncLead,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create lead service")
		os.Exit(1)
	}

	catalog, err := listing.NewCatalog(cmsClient,
		listing.WithTTL(conf.CatalogTTL),
		listing.WithRetryBackoff(conf.CatalogBackoff),
		listing.WithLogger(L.With("component", "catalog")),
		listing.WithOnLoaded(m.SetCatalog),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create catalog")
		os.Exit(1)
	}
	// warm the cache; a cold CMS is not fatal, requests retry the load
	if props, err := catalog.List(ctx, listing.Filter{}); err != nil {
		L.Warn(ctx, "initial catalog load failed", "error", err)
	} else {
		L.Info(ctx, "catalog loaded", "count", len(props))
	}

	var studio http.Handler
	if conf.StudioUpstream != "" {
		studio, err = sitehttp.NewStudioProxy(conf.StudioUpstream, nil)
		if err != nil {
			L.Error(ctx, err, "invalid studio upstream")
			os.Exit(1)
		}
	}
	routes := sitehttp.New(leads, catalog, studio)

	var clientID httpmw.Resolver = httpmw.ForwardedClientID
	if conf.ClientIDMode == cfg.ClientIDTrustedHops {
		clientID = httpmw.TrustedHopsClientID(conf.TrustedHops)
	}

	limiter := ratelimit.New(
		ratelimit.WithWindow(conf.RateLimitWindow),
		ratelimit.WithMaxRequests(conf.RateLimitMax),
		ratelimit.WithProtectedPrefix(conf.RateLimitPrefix),
		ratelimit.WithStaleAfter(conf.RateLimitStaleAfter),
		ratelimit.WithEvictInterval(conf.RateLimitEvictInterval),
		ratelimit.WithClientIDResolver(clientID),
		ratelimit.WithOnAllowed(func(ratelimit.Decision) { m.IncAdmissionAllowed() }),
		ratelimit.WithOnDenied(func(ratelimit.Decision) { m.IncAdmissionDenied() }),
		// one line per offender per window, not per request
		ratelimit.WithOnFirstDenied(func(d ratelimit.Decision) {
			m.IncAdmissionOffender()
			L.Warn(ctx, "admission limit reached",
				"client.address", d.ClientID,
				"count", d.Count,
				"limit", d.Limit,
				"retry_in", d.Remaining.String(),
			)
		}),
		ratelimit.WithOnEvicted(m.AddAdmissionEvicted),
	)
	m.TrackAdmissionClients(limiter.Len)
	go limiter.Run(ctx)

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	siteHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Port:         conf.HTTPPort,
		Logger:       L,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    routes.RegisterRoutes,
		SiteHandler:  sitehttp.Fallback(),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientID:     clientID,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// the ops port also rejects public peers in case the security group is wrong
	opsHTTPStop, err := opshttp.Start(ctx, opshttp.Options{
		Logger:       L,
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Status: func() any {
			return map[string]any{
				"version":                   v.Get(),
				"admission_window":          limiter.Window().String(),
				"admission_max_requests":    limiter.MaxRequests(),
				"admission_protected":       limiter.Prefix(),
				"admission_stale_after":     limiter.StaleAfter().String(),
				"admission_tracked_clients": limiter.Len(),
			}
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer drains us
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "period", drainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify: dial")
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return xerrors.Wrap(err, "systemd notify: write")
	}
	if err := conn.Close(); err != nil {
		return xerrors.Wrap(err, "systemd notify: close")
	}
	return nil
}
