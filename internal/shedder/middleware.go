package shedder

import (
	"context"
	"net/http"

	"github.com/dskow/guardpost/internal/apierror"
)

// PriorityHeader carries the request priority on the wire:
// low | medium | high | critical.
const PriorityHeader = "X-Priority"

// Middleware returns middleware that runs every request through the
// shedder. The priority comes from the X-Priority header, falling back
// to defaultPri when the header is absent or unknown. Shed requests get
// a 503 with Retry-After: 1 and never reach the wrapped handler.
func Middleware(s Shedder, defaultPri Priority) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pri := defaultPri
			if raw := r.Header.Get(PriorityHeader); raw != "" {
				if p, err := ParsePriority(raw); err == nil {
					pri = p
				}
			}

			_, err := s.Execute(r.Context(), pri, func(ctx context.Context) (any, error) {
				next.ServeHTTP(w, r)
				return nil, nil
			}, nil)
			if err != nil {
				w.Header().Set("Retry-After", "1")
				apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.Overloaded, "server is shedding load, retry later")
			}
		})
	}
}
