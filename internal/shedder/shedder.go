// Package shedder implements priority-based load shedding. A shedder
// wraps a protected call: when the sampled load rises above the
// admission threshold, Low and Medium priority work is rejected (served
// by its fallback when one is supplied) while High and Critical work
// always passes through.
//
// A shedder may be given a shared store. The store can hold a fleet-wide
// load sample under <prefix>-current-load, which takes precedence over
// the local sampling function, and (for the responsive variant) a
// threshold hint under <prefix>-threshold. Store failures never surface
// to callers; the shedder falls back to its local sample and base
// threshold.
package shedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dskow/guardpost/internal/store"
)

// Action is the admitted call.
type Action func(ctx context.Context) (any, error)

// Fallback supplies a substitute result when the shedder rejects the
// call; cause carries ErrOverload.
type Fallback func(ctx context.Context, cause error) (any, error)

// ErrOverload is returned by Execute, absent a fallback, when load is
// above the threshold and the priority is sheddable.
var ErrOverload = errors.New("shedder: load above threshold")

// DefaultPrefix namespaces the store keys when Config.Prefix is empty.
const DefaultPrefix = "shed"

// DefaultMaxInflight sizes the built-in load sample when no LoadFunc is
// configured: load = inflight / MaxInflight.
const DefaultMaxInflight = 1024

// Shedder decides per call whether the host has capacity for it.
type Shedder interface {
	// Execute admits or sheds action based on priority and current
	// load. Shed calls return the fallback's result, or ErrOverload
	// when no fallback is supplied.
	Execute(ctx context.Context, pri Priority, action Action, fallback Fallback) (any, error)

	// CurrentLoad returns the load sample Execute would use right now:
	// the shared store value when present and valid, the local sample
	// otherwise. Always in [0, 1].
	CurrentLoad(ctx context.Context) float64

	// Threshold returns the admission threshold Execute would compare
	// against right now.
	Threshold(ctx context.Context) float64

	// UpdateThreshold replaces the threshold, persisting it to the
	// store when one is configured. Store write failures degrade to a
	// local-only update and are not returned.
	UpdateThreshold(ctx context.Context, v float64) error

	// Inflight returns the number of calls currently inside Execute.
	Inflight() int64

	// Stop terminates the background load publisher, if any.
	Stop()
}

// Config holds construction-time settings shared by both variants.
type Config struct {
	// LoadThreshold is the initial admission threshold. Must be in
	// (0, 1].
	LoadThreshold float64

	// Prefix namespaces the shedder's store keys.
	Prefix string

	// MaxInflight scales the built-in load sample. Ignored when
	// LoadFunc is set.
	MaxInflight int64

	// LoadFunc overrides the built-in inflight-ratio sample. It must
	// return a value in [0, 1]; out-of-range samples are clamped.
	LoadFunc func() float64

	// PublishInterval, when positive and a store is configured, has a
	// background goroutine write the local load sample to the store so
	// sibling instances share one load view. Zero disables publishing.
	PublishInterval time.Duration

	// Policy derives the responsive variant's threshold when the store
	// holds no hint. Nil selects EchoPolicy. Ignored by the static
	// variant.
	Policy HintPolicy
}

func (cfg *Config) applyDefaults() {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
}

func (cfg Config) validate() error {
	if cfg.LoadThreshold <= 0 || cfg.LoadThreshold > 1 {
		return fmt.Errorf("shedder: load threshold must be in (0, 1], got %v", cfg.LoadThreshold)
	}
	return nil
}

// New constructs a shedder by kind: "static" or "responsive". st may be
// nil for purely local operation.
func New(kind string, cfg Config, st store.Store, logger *slog.Logger) (Shedder, error) {
	switch kind {
	case "static":
		return NewStatic(cfg, st, logger)
	case "responsive":
		return NewResponsive(cfg, st, logger)
	default:
		return nil, fmt.Errorf("shedder: unknown kind %q", kind)
	}
}
