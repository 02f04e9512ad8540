package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rezendeimoveis/imoveis-web/internal/log"
)

// Client id policies for the admission controller.
const (
	ClientIDForwarded   = "forwarded"
	ClientIDTrustedHops = "trusted-hops"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	Environment       string
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// admission control
	RateLimitWindow        time.Duration
	RateLimitMax           int
	RateLimitPrefix        string
	RateLimitStaleAfter    time.Duration
	RateLimitEvictInterval time.Duration
	ClientIDMode           string
	TrustedHops            int

	// headless CMS
	CMSProjectID     string
	CMSDataset       string
	CMSAPIVersion    string
	CMSToken         string
	CMSTokenSSMParam string
	CMSRPS           float64
	CMSRetries       int
	CMSTimeout       time.Duration
	CatalogTTL       time.Duration
	CatalogBackoff   time.Duration

	StudioUpstream      string
	LeadArchiveBucket   string
	LeadArchivePrefix   string
	WhatsAppCountryCode string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.Environment, "environment", "prod", "deployment environment tag for traces and profiles")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.DurationVar(&c.RateLimitWindow, "ratelimit-window", 60*time.Second, "admission window length")
	fs.IntVar(&c.RateLimitMax, "ratelimit-max", 100, "requests admitted per client per window")
	fs.StringVar(&c.RateLimitPrefix, "ratelimit-prefix", "/studio", "path prefix under admission control")
	fs.DurationVar(&c.RateLimitStaleAfter, "ratelimit-stale-after", 0, "keep ended client windows this long before eviction (0 = window length)")
	fs.DurationVar(&c.RateLimitEvictInterval, "ratelimit-evict-interval", 0, "how often to sweep client windows (0 = window length)")
	fs.StringVar(&c.ClientIDMode, "client-id-mode", ClientIDForwarded, "forwarded|trusted-hops: how the client id is derived")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "proxies in front of the server, used by -client-id-mode=trusted-hops")

	fs.StringVar(&c.CMSProjectID, "cms-project-id", "", "headless CMS project id")
	fs.StringVar(&c.CMSDataset, "cms-dataset", "production", "CMS dataset")
	fs.StringVar(&c.CMSAPIVersion, "cms-api-version", "2024-07-11", "CMS API version date")
	fs.StringVar(&c.CMSToken, "cms-token", "", "CMS write token (prefer -cms-token-ssm-param)")
	fs.StringVar(&c.CMSTokenSSMParam, "cms-token-ssm-param", "", "ssm SecureString parameter holding the CMS write token")
	fs.Float64Var(&c.CMSRPS, "cms-rps", 25, "outbound CMS requests per second")
	fs.IntVar(&c.CMSRetries, "cms-retries", 2, "retries for idempotent CMS reads (0..5)")
	fs.DurationVar(&c.CMSTimeout, "cms-timeout", 10*time.Second, "per-request CMS timeout")
	fs.DurationVar(&c.CatalogTTL, "catalog-ttl", 60*time.Second, "how long listings are cached")
	fs.DurationVar(&c.CatalogBackoff, "catalog-retry-backoff", 15*time.Second, "wait after a failed catalog refresh before asking the CMS again")

	fs.StringVar(&c.StudioUpstream, "studio-upstream", "", "hosted studio URL proxied under /studio (empty = 404)")
	fs.StringVar(&c.LeadArchiveBucket, "lead-archive-bucket", "", "s3 bucket for lead copies (empty = disabled)")
	fs.StringVar(&c.LeadArchivePrefix, "lead-archive-prefix", "leads", "s3 key prefix for lead copies")
	fs.StringVar(&c.WhatsAppCountryCode, "whatsapp-country-code", "55", "country code prefixed to broker WhatsApp numbers")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, redact(f.Name, f.Value.String()), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, redact(f.Name, envVal), err)
			}
		}
	})
}

func redact(name, v string) string {
	if strings.Contains(name, "token") && v != "" {
		return "[redacted]"
	}
	return v
}

var (
	projectIDRE  = regexp.MustCompile(`^[a-z0-9]+$`)
	datasetRE    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	apiVersionRE = regexp.MustCompile(`^(1|\d{4}-\d{2}-\d{2})$`)
	countryRE    = regexp.MustCompile(`^\d{1,3}$`)
)

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Admission control
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_WINDOW must be positive (got %s)", c.RateLimitWindow))
	}
	if c.RateLimitMax < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX must be at least 1 (got %d)", c.RateLimitMax))
	}
	if !strings.HasPrefix(c.RateLimitPrefix, "/") {
		errs = append(errs, fmt.Errorf("RATELIMIT_PREFIX must start with / (got %q)", c.RateLimitPrefix))
	}
	if c.RateLimitStaleAfter < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_STALE_AFTER must not be negative (got %s)", c.RateLimitStaleAfter))
	}
	if c.RateLimitEvictInterval < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_EVICT_INTERVAL must not be negative (got %s)", c.RateLimitEvictInterval))
	}
	switch c.ClientIDMode {
	case ClientIDForwarded:
	case ClientIDTrustedHops:
		if c.TrustedHops < 1 {
			errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be at least 1 with CLIENT_ID_MODE=%s (got %d)", ClientIDTrustedHops, c.TrustedHops))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CLIENT_ID_MODE %q (must be %s|%s)", c.ClientIDMode, ClientIDForwarded, ClientIDTrustedHops))
	}

	// CMS
	if !projectIDRE.MatchString(c.CMSProjectID) {
		errs = append(errs, fmt.Errorf("CMS_PROJECT_ID is required and must be lowercase alphanumeric (got %q)", c.CMSProjectID))
	}
	if !datasetRE.MatchString(c.CMSDataset) {
		errs = append(errs, fmt.Errorf("invalid CMS_DATASET %q", c.CMSDataset))
	}
	if !apiVersionRE.MatchString(c.CMSAPIVersion) {
		errs = append(errs, fmt.Errorf("invalid CMS_API_VERSION %q (want YYYY-MM-DD)", c.CMSAPIVersion))
	}
	if c.CMSToken != "" && c.CMSTokenSSMParam != "" {
		errs = append(errs, fmt.Errorf("set only one of CMS_TOKEN and CMS_TOKEN_SSM_PARAM"))
	}
	if c.CMSRPS <= 0 {
		errs = append(errs, fmt.Errorf("CMS_RPS must be positive (got %g)", c.CMSRPS))
	}
	if c.CMSRetries < 0 || c.CMSRetries > 5 {
		errs = append(errs, fmt.Errorf("CMS_RETRIES must be 0..5 (got %d)", c.CMSRetries))
	}
	if c.CMSTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CMS_TIMEOUT must be positive (got %s)", c.CMSTimeout))
	}
	if c.CatalogTTL <= 0 {
		errs = append(errs, fmt.Errorf("CATALOG_TTL must be positive (got %s)", c.CatalogTTL))
	}
	if c.CatalogBackoff <= 0 {
		errs = append(errs, fmt.Errorf("CATALOG_RETRY_BACKOFF must be positive (got %s)", c.CatalogBackoff))
	}

	if c.StudioUpstream != "" {
		if u, err := url.Parse(c.StudioUpstream); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("STUDIO_UPSTREAM must be an http(s) URL (got %q)", c.StudioUpstream))
		}
	}
	if c.LeadArchiveBucket != "" && strings.Trim(c.LeadArchivePrefix, "/") == "" {
		errs = append(errs, fmt.Errorf("LEAD_ARCHIVE_PREFIX is required when LEAD_ARCHIVE_BUCKET is set"))
	}
	if !countryRE.MatchString(c.WhatsAppCountryCode) {
		errs = append(errs, fmt.Errorf("WHATSAPP_COUNTRY_CODE must be 1-3 digits (got %q)", c.WhatsAppCountryCode))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
