package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/relayhub/router/internal/apierr"
	"github.com/relayhub/router/pkg/logger"
)

// Recovery returns a middleware that recovers from panics, logs the stack
// trace, and surfaces an internal_error response instead of crashing the
// connection.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID := middleware.GetReqID(r.Context())

					log.WithRequestID(requestID).Error("panic recovered",
						"error", rec,
						"stack_trace", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
					)

					apierr.WriteError(w, apierr.Internal("an unexpected error occurred"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
