// Package middleware holds the HTTP middleware chain for guardpost
// listeners: request IDs, structured request logging, panic recovery,
// request body limits, and baseline security headers.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusWriter captures the status code written by the wrapped handler.
// WriteHeader is the only interception point needed; implicit 200s are
// covered by the initial value.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Logging returns middleware that emits one structured log line per
// request. Paths named in quiet (probe and scrape endpoints, typically)
// are demoted to Debug so they do not drown out real traffic at the
// default Info level.
func Logging(logger *slog.Logger, quiet ...string) func(http.Handler) http.Handler {
	demoted := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		demoted[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			lvl := slog.LevelInfo
			if demoted[r.URL.Path] {
				lvl = slog.LevelDebug
			}
			logger.Log(r.Context(), lvl, "request",
				"request_id", GetRequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"latency_ms", time.Since(began).Milliseconds(),
				"client_ip", r.RemoteAddr,
			)
		})
	}
}
