// Package main is the entry point for the guardpost daemon. It loads
// configuration, wires the shared store, circuit breaker, and load shedder,
// starts the HTTP server with the admin and probe surfaces, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dskow/guardpost/internal/admin"
	"github.com/dskow/guardpost/internal/apierror"
	"github.com/dskow/guardpost/internal/auth"
	"github.com/dskow/guardpost/internal/breaker"
	"github.com/dskow/guardpost/internal/config"
	"github.com/dskow/guardpost/internal/driver"
	"github.com/dskow/guardpost/internal/health"
	"github.com/dskow/guardpost/internal/logging"
	"github.com/dskow/guardpost/internal/metrics"
	"github.com/dskow/guardpost/internal/middleware"
	"github.com/dskow/guardpost/internal/shedder"
	"github.com/dskow/guardpost/internal/store"
	"github.com/dskow/guardpost/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/guardpost.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is up.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"breaker", cfg.CircuitBreaker.Name,
		"failure_threshold", cfg.CircuitBreaker.FailureThreshold,
		"shedder_type", cfg.LoadShedder.Type,
		"load_threshold", cfg.LoadShedder.LoadThreshold,
		"store_configured", cfg.Cache.ConnectionString != "",
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"driver_enabled", cfg.Driver.Enabled,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Dial the shared store. Failure is a degradation, not a fatal error:
	// both primitives run on local state until the store comes back at the
	// next process restart.
	var st store.Store
	if cfg.Cache.ConnectionString != "" {
		rs, err := store.DialRedis(cfg.Cache.ConnectionString, cfg.Cache.DialTimeout, cfg.Cache.OpTimeout)
		if err != nil {
			logger.Warn("shared store unavailable, running on local state", "error", err)
		} else {
			st = rs
			defer rs.Close()
			logger.Info("shared store connected")
		}
	}

	// Build the circuit breaker
	br, err := breaker.New(cfg.CircuitBreaker.Name, breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		OpenTimeout:      cfg.CircuitBreaker.OpenTimeout,
		Prefix:           cfg.CircuitBreaker.Prefix,
		StateTTL:         cfg.CircuitBreaker.StateTTL,
		SharedThreshold:  cfg.Cache.CircuitBreakerFailureThreshold,
	}, st, logger)
	if err != nil {
		logger.Error("failed to create circuit breaker", "error", err)
		os.Exit(1)
	}
	defer br.Close()

	br.OnStateChange(func(ch breaker.Change) {
		logger.Info("breaker state change",
			"breaker", ch.Name,
			"from", ch.From.String(),
			"to", ch.To.String(),
		)
	})

	// Build the load shedder
	policy, err := shedderPolicy(cfg.LoadShedder)
	if err != nil {
		logger.Error("failed to create shedder policy", "error", err)
		os.Exit(1)
	}
	sh, err := shedder.New(cfg.LoadShedder.Type, shedder.Config{
		LoadThreshold:   cfg.LoadShedder.LoadThreshold,
		Prefix:          cfg.LoadShedder.Prefix,
		MaxInflight:     cfg.LoadShedder.MaxInflight,
		PublishInterval: cfg.LoadShedder.PublishInterval,
		Policy:          policy,
	}, st, logger)
	if err != nil {
		logger.Error("failed to create load shedder", "error", err)
		os.Exit(1)
	}
	defer sh.Stop()

	// Initialize config reloader
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	// The shedder threshold is the one hot-reloadable knob; everything
	// else needs a restart.
	prevThreshold := cfg.LoadShedder.LoadThreshold
	reloader.OnReload(func(newCfg *config.Config) {
		if newCfg.LoadShedder.LoadThreshold == prevThreshold {
			return
		}
		if err := sh.UpdateThreshold(context.Background(), newCfg.LoadShedder.LoadThreshold); err != nil {
			logger.Error("failed to apply reloaded threshold", "error", err)
			return
		}
		prevThreshold = newCfg.LoadShedder.LoadThreshold
	})

	// Register probe and metrics routes on a separate mux so they bypass
	// the middleware stack
	mux := http.NewServeMux()
	healthHandler := health.New(br, st, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	// Admin surface behind the full middleware stack
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no such resource")
	})
	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, br, sh, st, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(adminMux)
	}

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → BodyLimit → Auth → Admin
	var handler http.Handler = adminMux
	handler = auth.Middleware(cfg.Admin.Auth, logger)(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Logging(logger, "/health", "/ready", metricsPath)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Combine: probe and metrics endpoints bypass the middleware stack
	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	// Start the built-in driver
	if cfg.Driver.Enabled {
		drv := driver.New(cfg.Driver, sh, br, logger)
		drv.Start()
		defer drv.Stop()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()

		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting guardpost", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("guardpost stopped gracefully")
}

// shedderPolicy builds the responsive hint policy from config. The static
// variant ignores it.
func shedderPolicy(cfg config.LoadShedderConfig) (shedder.HintPolicy, error) {
	switch cfg.Policy {
	case "", "echo":
		return shedder.EchoPolicy{}, nil
	case "trend":
		return shedder.NewTrendPolicy(cfg.TrendAlpha, cfg.TrendFloor)
	default:
		return nil, fmt.Errorf("unknown shedder policy %q", cfg.Policy)
	}
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
