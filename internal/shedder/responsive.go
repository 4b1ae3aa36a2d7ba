package shedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/dskow/guardpost/internal/metrics"
	"github.com/dskow/guardpost/internal/store"
)

// HintPolicy derives the responsive shedder's admission threshold from
// the configured base when the store holds no hint.
type HintPolicy interface {
	Threshold(base float64) float64
}

// LoadObserver is implemented by policies that adapt to the load
// samples the shedder sees. The responsive shedder feeds every
// admission-time sample to its policy when it implements this.
type LoadObserver interface {
	Observe(load float64)
}

// EchoPolicy returns the base threshold unchanged. It is the default
// policy: a responsive shedder with EchoPolicy behaves like a static
// one until a shared hint appears.
type EchoPolicy struct{}

func (EchoPolicy) Threshold(base float64) float64 { return base }

// TrendPolicy tightens the threshold as an exponentially weighted
// moving average of observed load rises, so admission turns aggressive
// before the host saturates. At EWMA 0 the threshold is the base; at
// EWMA 1 it has dropped linearly to Floor.
type TrendPolicy struct {
	alpha float64
	floor float64

	mu   sync.Mutex
	ewma float64
	seen bool
}

// NewTrendPolicy builds a TrendPolicy. alpha is the EWMA smoothing
// factor (higher = more reactive) and floor the tightest threshold the
// policy will reach; both must be in (0, 1].
func NewTrendPolicy(alpha, floor float64) (*TrendPolicy, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("shedder: trend alpha must be in (0, 1], got %v", alpha)
	}
	if floor <= 0 || floor > 1 {
		return nil, fmt.Errorf("shedder: trend floor must be in (0, 1], got %v", floor)
	}
	return &TrendPolicy{alpha: alpha, floor: floor}, nil
}

// Observe folds a load sample into the EWMA.
func (p *TrendPolicy) Observe(load float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seen {
		p.ewma = load
		p.seen = true
		return
	}
	p.ewma = p.alpha*load + (1-p.alpha)*p.ewma
}

// Threshold interpolates between base and floor by the current EWMA.
func (p *TrendPolicy) Threshold(base float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if base <= p.floor {
		return base
	}
	return base - p.ewma*(base-p.floor)
}

// Responsive is a load shedder whose threshold follows a shared hint
// when one exists: the store value under <prefix>-threshold, written by
// UpdateThreshold on any instance, wins over the local configuration.
// Without a hint, the policy derives the threshold from the local base.
type Responsive struct {
	inner  *Static
	policy HintPolicy
}

// NewResponsive builds a Responsive shedder. st may be nil, in which
// case only the policy path is ever taken.
func NewResponsive(cfg Config, st store.Store, logger *slog.Logger) (*Responsive, error) {
	policy := cfg.Policy
	if policy == nil {
		policy = EchoPolicy{}
	}
	inner, err := NewStatic(cfg, st, logger)
	if err != nil {
		return nil, err
	}
	return &Responsive{inner: inner, policy: policy}, nil
}

// Execute admits or sheds the action against the responsive threshold,
// feeding the load sample to the policy first.
func (r *Responsive) Execute(ctx context.Context, pri Priority, action Action, fallback Fallback) (any, error) {
	load := r.inner.CurrentLoad(ctx)
	if obs, ok := r.policy.(LoadObserver); ok {
		obs.Observe(load)
	}
	return r.inner.run(ctx, pri, action, fallback, load, r.Threshold(ctx))
}

// CurrentLoad returns the load sample Execute would use right now.
func (r *Responsive) CurrentLoad(ctx context.Context) float64 {
	return r.inner.CurrentLoad(ctx)
}

// Threshold prefers the shared hint when the store holds one that
// parses as a number in (0, 1]; otherwise the policy derives the
// threshold from the local base.
func (r *Responsive) Threshold(ctx context.Context) float64 {
	if r.inner.store != nil {
		raw, err := r.inner.store.Get(ctx, r.inner.thresholdKey)
		switch {
		case err == nil:
			if v, perr := strconv.ParseFloat(string(raw), 64); perr == nil && v > 0 && v <= 1 {
				metrics.ShedderThreshold.WithLabelValues(r.inner.prefix).Set(v)
				return v
			}
			// Unparseable or out-of-range hint: ignore it.
		case !errors.Is(err, store.ErrNotFound):
			r.inner.degrade("get threshold hint", err)
		}
	}
	thr := r.policy.Threshold(r.inner.Threshold(ctx))
	metrics.ShedderThreshold.WithLabelValues(r.inner.prefix).Set(thr)
	return thr
}

// UpdateThreshold replaces the local base threshold and, with a store,
// publishes it as the shared hint every instance converges on.
func (r *Responsive) UpdateThreshold(ctx context.Context, v float64) error {
	return r.inner.UpdateThreshold(ctx, v)
}

// Inflight returns the number of actions currently running.
func (r *Responsive) Inflight() int64 {
	return r.inner.Inflight()
}

// Stop terminates the background load publisher, if any.
func (r *Responsive) Stop() {
	r.inner.Stop()
}
