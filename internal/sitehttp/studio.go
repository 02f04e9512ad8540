package sitehttp

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rezendeimoveis/imoveis-web/internal/log"
	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

// headers the site sets that would break the hosted editor.
var studioStrippedHeaders = []string{
	"Content-Security-Policy",
	"Cross-Origin-Embedder-Policy",
	"Cross-Origin-Resource-Policy",
}

// NewStudioProxy forwards /studio traffic to the hosted CMS studio. The
// request path is kept, so the studio must be deployed with a /studio base
// path.
func NewStudioProxy(upstream string, transport http.RoundTripper) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse studio upstream %q", upstream)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, xerrors.Newf("studio upstream %q must be an absolute http(s) URL", upstream)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// the studio serves its own path, not target.Path + in.Path
			pr.Out.URL.Path = pr.In.URL.Path
			pr.Out.URL.RawPath = pr.In.URL.RawPath
		},
		Transport:     transport,
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			ctx := r.Context()
			log.FromContext(ctx).Error(ctx, err, "studio upstream error", "upstream", target.Host)
			writeError(w, http.StatusBadGateway, "studio unavailable")
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the upstream would resolve these outside /studio
		if hasDotSegments(r.URL.Path) {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		for _, k := range studioStrippedHeaders {
			w.Header().Del(k)
		}
		rp.ServeHTTP(w, r)
	}), nil
}

// hasDotSegments reports whether any segment of the decoded path is "." or "..".
func hasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}
