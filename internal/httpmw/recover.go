package httpmw

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rezendeimoveis/imoveis-web/internal/log"
	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

// Recover turns a handler panic into a logged error and a 500. onPanic may
// be nil; it is used to count panics.
func Recover(L log.Logger, onPanic func()) Middleware {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// net/http uses this to abort a response on purpose
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.WithStack(v)
				default:
					err = xerrors.New(fmt.Sprint(v))
				}
				if errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				if onPanic != nil {
					onPanic()
				}
				L.With(
					"request_id", RequestIDFromContext(r.Context()),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
