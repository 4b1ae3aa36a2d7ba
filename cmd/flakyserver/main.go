// Package main provides a deliberately unreliable downstream server for
// exercising the circuit breaker and load shedder. It fails a configurable
// fraction of requests, adds latency jitter, and can optionally shed its
// own load based on the X-Priority request header.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/dskow/guardpost/internal/shedder"
)

// settings come from FLAKY_* environment variables; the port and fail
// rate can also be overridden on the command line.
type settings struct {
	Port       int           `envconfig:"PORT" default:"3001"`
	Name       string        `envconfig:"NAME" default:"flaky"`
	FailRate   float64       `envconfig:"FAIL_RATE" default:"0"`    // fraction of requests that return 500
	MinLatency time.Duration `envconfig:"MIN_LATENCY" default:"0s"` // added to every request
	MaxLatency time.Duration `envconfig:"MAX_LATENCY" default:"0s"` // jitter upper bound

	// ShedThreshold > 0 enables a local shedder in front of every
	// handler, honoring the X-Priority header.
	ShedThreshold float64 `envconfig:"SHED_THRESHOLD" default:"0"`
	MaxInflight   int64   `envconfig:"MAX_INFLIGHT" default:"64"`
}

func main() {
	var s settings
	if err := envconfig.Process("flaky", &s); err != nil {
		fmt.Fprintf(os.Stderr, "flakyserver: %v\n", err)
		os.Exit(1)
	}

	port := flag.Int("port", s.Port, "port to listen on")
	failRate := flag.Float64("fail-rate", s.FailRate, "fraction of requests that return 500")
	flag.Parse()
	s.Port = *port
	s.FailRate = *failRate

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	mux := http.NewServeMux()

	// /__status/{code} returns an arbitrary HTTP status code regardless
	// of the fail rate. Example: GET /__status/503 forces a breaker-visible
	// failure on demand.
	mux.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        s.Name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sleepJitter(s.MinLatency, s.MaxLatency)

		w.Header().Set("Content-Type", "application/json")
		if s.FailRate > 0 && rand.Float64() < s.FailRate {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service": s.Name,
				"error":   "injected failure",
			})
			return
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":    s.Name,
			"method":     r.Method,
			"path":       r.URL.Path,
			"priority":   r.Header.Get(shedder.PriorityHeader),
			"latency_ms": time.Since(start).Milliseconds(),
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	})

	var handler http.Handler = mux
	if s.ShedThreshold > 0 {
		sh, err := shedder.NewStatic(shedder.Config{
			Prefix:        s.Name,
			LoadThreshold: s.ShedThreshold,
			MaxInflight:   s.MaxInflight,
		}, nil, logger)
		if err != nil {
			logger.Error("failed to create shedder", "error", err)
			os.Exit(1)
		}
		handler = shedder.Middleware(sh, shedder.PriorityMedium)(handler)
		logger.Info("self-protection enabled",
			"threshold", s.ShedThreshold,
			"max_inflight", s.MaxInflight)
	}

	addr := fmt.Sprintf(":%d", s.Port)
	logger.Info("flakyserver listening",
		"service", s.Name,
		"addr", addr,
		"fail_rate", s.FailRate,
		"min_latency", s.MinLatency.String(),
		"max_latency", s.MaxLatency.String())
	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// sleepJitter sleeps between min and max. A max at or below min means a
// fixed delay of min; zero means no delay.
func sleepJitter(min, max time.Duration) {
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	if d > 0 {
		time.Sleep(d)
	}
}
