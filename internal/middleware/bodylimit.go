package middleware

import (
	"net/http"

	"github.com/dskow/guardpost/internal/apierror"
)

// BodyLimit returns middleware that caps request body size at limit
// bytes. Declared Content-Length above the cap is rejected with 413
// before the handler runs; chunked and lying clients are caught by an
// http.MaxBytesReader wrapped around the body.
func BodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteBodyLimitError writes the 413 response body. Handlers that read
// the body themselves call this when they hit the MaxBytesReader error.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
}
