package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader is read from the proxy and echoed on every response.
const RequestIDHeader = "X-Request-Id"

// longer inbound ids are replaced, they end up in every log line
const maxRequestIDLen = 128

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID propagates an inbound request ID (or mints a UUIDv4), stores it
// in the context and echoes it back in the response.
func RequestID(headerName string) Middleware {
	if headerName == "" {
		headerName = RequestIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerName)
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			w.Header().Set(headerName, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}
