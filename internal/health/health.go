// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/guardpost/internal/breaker"
	"github.com/dskow/guardpost/internal/store"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints.
type Handler struct {
	breaker *breaker.Breaker
	store   store.Store // nil when no shared store is configured
	logger  *slog.Logger

	// Cached readiness result to avoid probing the store on every
	// /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a new health check Handler. An open circuit marks the
// process not ready; store reachability is reported but never gates
// readiness, since primitives keep working on local state without it.
func New(br *breaker.Breaker, st store.Store, logger *slog.Logger) *Handler {
	return &Handler{breaker: br, store: st, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	state := h.breaker.State(r.Context())

	storeStatus := "unconfigured"
	if h.store != nil {
		// A Get that misses still proves the store answers.
		_, err := h.store.Get(r.Context(), "guardpost-ready-probe")
		if err == nil || errors.Is(err, store.ErrNotFound) {
			storeStatus = "ok"
		} else {
			h.logger.Warn("shared store unreachable", "error", err)
			storeStatus = "unreachable"
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if state == breaker.StateOpen {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":  statusStr,
		"breaker": state.String(),
		"store":   storeStatus,
	})
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
