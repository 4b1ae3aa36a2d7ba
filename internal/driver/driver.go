// Package driver generates paced synthetic traffic against a downstream
// target, pushing every call through the load shedder and circuit breaker
// so the primitives are exercised end to end.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/guardpost/internal/breaker"
	"github.com/dskow/guardpost/internal/config"
	"github.com/dskow/guardpost/internal/metrics"
	"github.com/dskow/guardpost/internal/shedder"
)

// requestTimeout bounds each synthetic call.
const requestTimeout = 5 * time.Second

// Driver issues GET requests against the configured target at a steady
// pace, with priorities drawn from the configured mix.
type Driver struct {
	target  string
	shedder shedder.Shedder
	breaker *breaker.Breaker
	limiter *rate.Limiter
	client  *http.Client
	logger  *slog.Logger

	mix []mixEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// mixEntry is one cumulative slot of the priority mix.
type mixEntry struct {
	pri shedder.Priority
	cum int
}

// New creates a Driver. cfg must be pre-validated (rate > 0, burst >= 1,
// mix total > 0).
func New(cfg config.DriverConfig, sh shedder.Shedder, br *breaker.Breaker, logger *slog.Logger) *Driver {
	ctx, cancel := context.WithCancel(context.Background())

	mix := make([]mixEntry, 0, 4)
	cum := 0
	for _, e := range []struct {
		pri    shedder.Priority
		weight int
	}{
		{shedder.PriorityLow, cfg.PriorityMix.Low},
		{shedder.PriorityMedium, cfg.PriorityMix.Medium},
		{shedder.PriorityHigh, cfg.PriorityMix.High},
		{shedder.PriorityCritical, cfg.PriorityMix.Critical},
	} {
		if e.weight <= 0 {
			continue
		}
		cum += e.weight
		mix = append(mix, mixEntry{pri: e.pri, cum: cum})
	}

	return &Driver{
		target:  cfg.Target,
		shedder: sh,
		breaker: br,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
		mix:     mix,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the pacing loop.
func (d *Driver) Start() {
	d.logger.Info("driver started", "target", d.target)
	go d.loop()
}

// Stop cancels in-flight calls and waits for the loop to drain.
func (d *Driver) Stop() {
	d.cancel()
	<-d.done
}

func (d *Driver) loop() {
	defer close(d.done)
	for {
		if err := d.limiter.Wait(d.ctx); err != nil {
			d.wg.Wait()
			return
		}
		pri := d.pickPriority()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.fire(pri)
		}()
	}
}

// pickPriority draws one priority from the weighted mix.
func (d *Driver) pickPriority() shedder.Priority {
	total := d.mix[len(d.mix)-1].cum
	n := rand.Intn(total)
	for _, e := range d.mix {
		if n < e.cum {
			return e.pri
		}
	}
	return shedder.PriorityCritical
}

func (d *Driver) fire(pri shedder.Priority) {
	_, err := d.shedder.Execute(d.ctx, pri, func(ctx context.Context) (any, error) {
		return d.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return d.call(ctx, pri)
		}, nil)
	}, nil)

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, shedder.ErrOverload):
		outcome = "shed"
	case errors.Is(err, breaker.ErrOpen):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	metrics.DriverRequests.WithLabelValues(pri.String(), outcome).Inc()

	if err != nil {
		d.logger.Debug("driver call failed",
			"priority", pri.String(),
			"outcome", outcome,
			"error", err,
		)
	}
}

// call performs one GET against the target. A 5xx answer counts as a
// failure so the breaker sees downstream trouble.
func (d *Driver) call(ctx context.Context, pri shedder.Priority) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(shedder.PriorityHeader, pri.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("target returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}
