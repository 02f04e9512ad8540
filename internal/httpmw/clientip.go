package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// UnknownClient is the shared bucket for requests that carry no usable identity.
const UnknownClient = "unknown"

// Resolver maps a request to the identifier used for admission control.
type Resolver func(r *http.Request) string

type clientIDKey struct{}

// ForwardedClientID is the default policy: the first X-Forwarded-For entry,
// else X-Real-IP, else UnknownClient. It assumes a reverse proxy that always
// overwrites these headers; behind anything else a client can pick its own
// bucket. See TrustedHopsClientID for the stricter policy.
func ForwardedClientID(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if id := strings.TrimSpace(first); id != "" {
			return id
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return UnknownClient
}

// TrustedHopsClientID only believes X-Forwarded-For when the peer is a
// private address, and then takes the entry hops positions from the right
// (1 = a single load balancer). Anything else falls back to the peer address.
// hops <= 0 never trusts forwarded headers.
func TrustedHopsClientID(hops int) Resolver {
	return func(r *http.Request) string {
		peer, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			peer = r.RemoteAddr
		}
		ip := net.ParseIP(peer)
		if ip == nil {
			if peer == "" {
				return UnknownClient
			}
			return peer
		}
		if hops <= 0 || !ip.IsPrivate() {
			return peer
		}

		xf := r.Header.Get("X-Forwarded-For")
		if xf == "" {
			return peer
		}
		parts := strings.Split(xf, ",")
		idx := len(parts) - hops
		if idx < 0 {
			// fewer entries than proxies: misconfigured or forged, fail closed
			return peer
		}
		if candidate := strings.TrimSpace(parts[idx]); net.ParseIP(candidate) != nil {
			return candidate
		}
		return peer
	}
}

// ClientID resolves the client identity once per request and stores it in
// the context for the admission controller and the logger.
func ClientID(resolve Resolver) Middleware {
	if resolve == nil {
		resolve = ForwardedClientID
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClientID(r.Context(), resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIDFromContext returns the resolved identity or "" when the ClientID
// middleware did not run.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}

func WithClientID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIDKey{}, id)
}
