package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/guardpost/internal/apierror"
)

// Recovery returns middleware that turns a handler panic into a logged
// 500 response instead of a torn-down connection. The stack is captured
// at the recovery point so the log line is enough to locate the fault.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				logger.Error("panic recovered",
					"request_id", GetRequestID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", v,
					"stack", string(debug.Stack()),
				)
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
