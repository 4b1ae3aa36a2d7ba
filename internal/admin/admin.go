// Package admin provides HTTP endpoints for runtime inspection and tuning
// of the guardpost primitives. All endpoints are protected by IP allowlist;
// JWT auth is layered on by the caller when configured.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/dskow/guardpost/internal/apierror"
	"github.com/dskow/guardpost/internal/breaker"
	"github.com/dskow/guardpost/internal/config"
	"github.com/dskow/guardpost/internal/shedder"
	"github.com/dskow/guardpost/internal/store"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	breaker     *breaker.Breaker
	shedder     shedder.Shedder
	store       store.Store
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). st may be nil when no shared store is
// configured.
func New(
	reloader ConfigProvider,
	br *breaker.Breaker,
	sh shedder.Shedder,
	st store.Store,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		breaker:     br,
		shedder:     sh,
		store:       st,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/status", h.guard(http.MethodGet, h.statusHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/shedder/threshold", h.guard(http.MethodPut, h.thresholdHandler))
	mux.HandleFunc("/admin/breaker/reset", h.guard(http.MethodPost, h.resetHandler))
}

// guard wraps a handler with method and IP allowlist checking.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
				fmt.Sprintf("only %s is allowed", method))
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden,
				"client address not in admin allowlist")
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// breakerStatus is the breaker section of /admin/status.
type breakerStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// shedderStatus is the shedder section of /admin/status.
type shedderStatus struct {
	Load      float64 `json:"load"`
	Threshold float64 `json:"threshold"`
	Inflight  int64   `json:"inflight"`
}

// storeStatus is the shared store section of /admin/status.
type storeStatus struct {
	Configured bool `json:"configured"`
	Reachable  bool `json:"reachable"`
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	configured, reachable := false, false
	if h.store != nil {
		configured = true
		// Probe with a Get; an absent key still proves the store answers.
		_, err := h.store.Get(ctx, "guardpost-admin-probe")
		reachable = err == nil || errors.Is(err, store.ErrNotFound)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breaker": breakerStatus{
			Name:     h.breaker.Name(),
			State:    h.breaker.State(ctx).String(),
			Failures: h.breaker.Failures(),
		},
		"shedder": shedderStatus{
			Load:      h.shedder.CurrentLoad(ctx),
			Threshold: h.shedder.Threshold(ctx),
			Inflight:  h.shedder.Inflight(),
		},
		"store": storeStatus{
			Configured: configured,
			Reachable:  reachable,
		},
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Admin.Auth.JWTSecret != "" {
		redacted.Admin.Auth.JWTSecret = "***"
	}
	if redacted.Cache.ConnectionString != "" {
		redacted.Cache.ConnectionString = redactURL(redacted.Cache.ConnectionString)
	}

	writeJSON(w, http.StatusOK, redacted)
}

// redactURL strips credentials from a connection string for display.
func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

func (h *Handler) thresholdHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "invalid JSON body")
		return
	}

	if err := h.shedder.UpdateThreshold(r.Context(), req.Threshold); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, err.Error())
		return
	}

	h.logger.Info("shedder threshold updated",
		"threshold", req.Threshold,
		"client_ip", extractIP(r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{"threshold": req.Threshold})
}

func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.breaker.Reset(r.Context()); err != nil {
		// Local state is already reset; only the shared cleanup failed.
		h.logger.Warn("breaker reset: shared state cleanup failed", "error", err)
	}

	h.logger.Info("breaker reset",
		"breaker", h.breaker.Name(),
		"client_ip", extractIP(r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breaker": h.breaker.Name(),
		"state":   h.breaker.State(r.Context()).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
