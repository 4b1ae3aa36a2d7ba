package shedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dskow/guardpost/internal/metrics"
	"github.com/dskow/guardpost/internal/store"
)

// Static is a load shedder with a fixed admission threshold, changed
// only through UpdateThreshold.
type Static struct {
	prefix string
	store  store.Store // nil for purely local operation
	logger *slog.Logger

	loadKey      string
	thresholdKey string

	mu        sync.Mutex
	threshold float64

	inflight    atomic.Int64
	maxInflight int64
	loadFunc    func() float64

	publishEvery time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewStatic builds a Static shedder. st may be nil.
func NewStatic(cfg Config, st store.Store, logger *slog.Logger) (*Static, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Static{
		prefix:       cfg.Prefix,
		store:        st,
		logger:       logger,
		loadKey:      cfg.Prefix + "-current-load",
		thresholdKey: cfg.Prefix + "-threshold",
		threshold:    cfg.LoadThreshold,
		maxInflight:  cfg.MaxInflight,
		loadFunc:     cfg.LoadFunc,
		publishEvery: cfg.PublishInterval,
		stopCh:       make(chan struct{}),
	}
	metrics.ShedderThreshold.WithLabelValues(s.prefix).Set(cfg.LoadThreshold)

	if s.store != nil && s.publishEvery > 0 {
		go s.publish()
	}
	return s, nil
}

// Execute admits or sheds the action. Shed decisions never run the
// action: the fallback's result is returned when one is supplied,
// ErrOverload otherwise.
func (s *Static) Execute(ctx context.Context, pri Priority, action Action, fallback Fallback) (any, error) {
	return s.run(ctx, pri, action, fallback, s.CurrentLoad(ctx), s.Threshold(ctx))
}

// run applies the admission decision for the given load and threshold.
// Shared with the responsive variant, which sources its threshold
// differently.
func (s *Static) run(ctx context.Context, pri Priority, action Action, fallback Fallback, load, thr float64) (any, error) {
	if load > thr && pri.Sheddable() {
		metrics.ShedderShed.WithLabelValues(s.prefix, pri.String()).Inc()
		s.logger.Debug("request shed",
			"shedder", s.prefix,
			"priority", pri.String(),
			"load", load,
			"threshold", thr)
		if fallback != nil {
			return fallback(ctx, ErrOverload)
		}
		return nil, ErrOverload
	}

	n := s.inflight.Add(1)
	metrics.ShedderInflight.WithLabelValues(s.prefix).Set(float64(n))
	defer func() {
		metrics.ShedderInflight.WithLabelValues(s.prefix).Set(float64(s.inflight.Add(-1)))
	}()

	return action(ctx)
}

// CurrentLoad prefers the fleet-wide sample under <prefix>-current-load
// when the store holds one that parses as a number in [0, 1]; anything
// else falls back to the local sample.
func (s *Static) CurrentLoad(ctx context.Context) float64 {
	if s.store != nil {
		raw, err := s.store.Get(ctx, s.loadKey)
		switch {
		case err == nil:
			if v, perr := strconv.ParseFloat(string(raw), 64); perr == nil && v >= 0 && v <= 1 {
				metrics.ShedderLoad.WithLabelValues(s.prefix).Set(v)
				return v
			}
			// Unparseable or out-of-range value: ignore it.
		case !errors.Is(err, store.ErrNotFound):
			s.degrade("get shared load", err)
		}
	}
	v := s.localLoad()
	metrics.ShedderLoad.WithLabelValues(s.prefix).Set(v)
	return v
}

// Threshold returns the current admission threshold.
func (s *Static) Threshold(ctx context.Context) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// UpdateThreshold replaces the threshold. The local assignment and the
// store write happen under the instance mutex so two concurrent updates
// cannot leave the local value inconsistent with what was persisted.
func (s *Static) UpdateThreshold(ctx context.Context, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("shedder: load threshold must be in (0, 1], got %v", v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.threshold = v
	metrics.ShedderThreshold.WithLabelValues(s.prefix).Set(v)
	if s.store != nil {
		val := strconv.FormatFloat(v, 'f', -1, 64)
		if err := s.store.Set(ctx, s.thresholdKey, []byte(val), 0); err != nil {
			s.degrade("persist threshold", err)
		}
	}
	s.logger.Info("shedder threshold updated", "shedder", s.prefix, "threshold", v)
	return nil
}

// Inflight returns the number of actions currently running.
func (s *Static) Inflight() int64 {
	return s.inflight.Load()
}

// Stop terminates the background load publisher. Safe to call more than
// once, and when no publisher was started.
func (s *Static) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// localLoad samples load without consulting the store: the configured
// LoadFunc when present, the inflight ratio otherwise. Clamped to [0, 1].
func (s *Static) localLoad() float64 {
	var v float64
	if s.loadFunc != nil {
		v = s.loadFunc()
	} else {
		v = float64(s.inflight.Load()) / float64(s.maxInflight)
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// publish periodically writes the local load sample to the store so
// sibling instances can admit against one shared view. The entry
// expires at 3x the publish interval, so a dead publisher's sample ages
// out instead of pinning the fleet to stale load.
func (s *Static) publish() {
	ticker := time.NewTicker(s.publishEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v := s.localLoad()
			val := strconv.FormatFloat(v, 'f', -1, 64)
			ctx, cancel := context.WithTimeout(context.Background(), s.publishEvery)
			err := s.store.Set(ctx, s.loadKey, []byte(val), 3*s.publishEvery)
			cancel()
			if err != nil {
				s.degrade("publish load", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// degrade records a store failure that the shedder absorbed by falling
// back to local state.
func (s *Static) degrade(op string, err error) {
	metrics.StoreFallbacks.Inc()
	s.logger.Warn("store unavailable, using local state",
		"shedder", s.prefix,
		"op", op,
		"error", err)
}
