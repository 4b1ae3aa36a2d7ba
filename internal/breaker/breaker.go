package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/guardpost/internal/metrics"
	"github.com/dskow/guardpost/internal/store"
)

// Action is the protected call.
type Action func(ctx context.Context) (any, error)

// Fallback supplies a substitute result when the circuit rejects the
// call or the action fails; cause carries ErrOpen or the action's error.
type Fallback func(ctx context.Context, cause error) (any, error)

// ErrOpen is returned by Execute, absent a fallback, when the circuit
// rejects the call without running the action.
var ErrOpen = errors.New("breaker: circuit open")

// DefaultPrefix namespaces the store keys when Config.Prefix is empty,
// yielding the conventional circuit-breaker-state and
// circuit-breaker-failures keys.
const DefaultPrefix = "circuit-breaker"

// Config holds construction-time settings. FailureThreshold and
// OpenTimeout are immutable for the breaker's lifetime; runtime tuning
// happens by constructing a replacement.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Must be at least 1.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before a single
	// trial call may probe the downstream. Must be positive.
	OpenTimeout time.Duration

	// Prefix namespaces the breaker's store keys.
	Prefix string

	// StateTTL, when positive, bounds the stored state record's
	// lifetime. Zero keeps it until overwritten.
	StateTTL time.Duration

	// SharedThreshold, when positive, is the threshold applied to the
	// store-wide failure counter so a fleet trips on its combined
	// count. Defaults to FailureThreshold.
	SharedThreshold int
}

// Breaker is a consecutive-failure circuit breaker. With a store it
// mirrors the shared state locally and keeps working on the mirror
// whenever the store is unreachable.
type Breaker struct {
	name   string
	cfg    Config
	store  store.Store // nil means local-only operation
	logger *slog.Logger

	stateKey string
	failKey  string
	probeKey string

	mu        sync.Mutex
	state     State
	changedAt time.Time
	failures  int
	probing   bool // local trial in flight while half-open

	listenerMu sync.Mutex
	listeners  []func(Change)

	notifyCh  chan Change
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a circuit breaker named name, starting Closed with a zero
// counter. A nil store keeps all state local to the process.
func New(name string, cfg Config, st store.Store, logger *slog.Logger) (*Breaker, error) {
	return NewWithState(name, cfg, st, logger, StateClosed, 0)
}

// NewWithState creates a breaker pre-seeded with a state and failure
// count. Processes rejoining a protection domain mid-incident seed the
// last known state; tests seed the exact situation under study.
func NewWithState(name string, cfg Config, st store.Store, logger *slog.Logger, state State, failures int) (*Breaker, error) {
	if name == "" {
		return nil, fmt.Errorf("breaker: name must not be empty")
	}
	if cfg.FailureThreshold < 1 {
		return nil, fmt.Errorf("breaker %s: failure threshold must be at least 1, got %d", name, cfg.FailureThreshold)
	}
	if cfg.OpenTimeout <= 0 {
		return nil, fmt.Errorf("breaker %s: open timeout must be positive, got %v", name, cfg.OpenTimeout)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.SharedThreshold <= 0 {
		cfg.SharedThreshold = cfg.FailureThreshold
	}
	if failures < 0 {
		failures = 0
	}

	b := &Breaker{
		name:      name,
		cfg:       cfg,
		store:     st,
		logger:    logger,
		stateKey:  cfg.Prefix + "-state",
		failKey:   cfg.Prefix + "-failures",
		probeKey:  cfg.Prefix + "-probe",
		state:     state,
		changedAt: time.Now(),
		failures:  failures,
		notifyCh:  make(chan Change, notifyBuffer),
		done:      make(chan struct{}),
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(state))
	metrics.BreakerFailures.WithLabelValues(name).Set(float64(failures))
	go b.dispatch()
	return b, nil
}

// Execute runs action under the breaker's protection. When the circuit
// rejects the call or the action fails, fallback (when non-nil) supplies
// the result instead; with a nil fallback the caller sees ErrOpen or the
// action's error. Execute never bounds the action's elapsed time;
// callers do that through ctx.
func (b *Breaker) Execute(ctx context.Context, action Action, fallback Fallback) (any, error) {
	trial, admitted := b.admit(ctx)
	if !admitted {
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		if fallback != nil {
			return fallback(ctx, ErrOpen)
		}
		return nil, ErrOpen
	}

	out, err := b.run(ctx, action, trial)
	if err != nil {
		b.onFailure(ctx, trial)
		if fallback != nil {
			return fallback(ctx, err)
		}
		return nil, err
	}
	b.onSuccess(ctx, trial)
	return out, nil
}

// run invokes the action, counting a panic as a failure before letting
// it propagate so a panicking trial cannot wedge the probe slot.
func (b *Breaker) run(ctx context.Context, action Action, trial bool) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.onFailure(ctx, trial)
			panic(r)
		}
	}()
	return action(ctx)
}

// State reports the current state, consulting the shared record when a
// store is configured.
func (b *Breaker) State(ctx context.Context) State {
	st, _ := b.observe(ctx)
	return st
}

// Failures reports the last observed consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker back to Closed with a zero counter, clearing
// shared state too. It is the administrative override, not part of the
// normal transition flow.
func (b *Breaker) Reset(ctx context.Context) error {
	now := time.Now()
	var firstErr error
	if b.store != nil {
		if err := b.store.Set(ctx, b.failKey, []byte("0"), 0); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := b.store.Set(ctx, b.stateKey, encodeRecord(StateClosed, now), b.cfg.StateTTL); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := b.store.ReleaseLease(ctx, b.probeKey); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.mu.Lock()
	b.probing = false
	b.setFailuresLocked(0)
	b.transitionLocked(StateClosed, now, "manual reset")
	b.mu.Unlock()
	return firstErr
}

// admit decides whether this call may proceed and whether it runs as the
// half-open trial.
func (b *Breaker) admit(ctx context.Context) (trial, admitted bool) {
	st, changedAt := b.observe(ctx)
	switch st {
	case StateClosed:
		return false, true
	case StateOpen:
		if time.Since(changedAt) <= b.cfg.OpenTimeout {
			return false, false
		}
		won := b.beginTrial(ctx)
		return won, won
	default: // StateHalfOpen: the probe slot may be held or abandoned.
		won := b.beginTrial(ctx)
		return won, won
	}
}

// observe resolves the current state, preferring the shared record and
// falling back to the local mirror when the store misses or fails. A
// miss initializes the shared record so sibling processes converge.
func (b *Breaker) observe(ctx context.Context) (State, time.Time) {
	if b.store == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.state, b.changedAt
	}

	raw, err := b.store.Get(ctx, b.stateKey)
	if errors.Is(err, store.ErrNotFound) {
		b.mu.Lock()
		st, at := b.state, b.changedAt
		b.mu.Unlock()
		if serr := b.store.Set(ctx, b.stateKey, encodeRecord(st, at), b.cfg.StateTTL); serr != nil {
			b.degrade("initializing state record", serr)
		}
		return st, at
	}
	if err != nil {
		b.degrade("reading state record", err)
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.state, b.changedAt
	}

	rec, derr := decodeRecord(raw)
	if derr != nil {
		b.degrade("decoding state record", derr)
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.state, b.changedAt
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == rec.State {
		// Same state, possibly re-entered remotely at a later time; the
		// timestamp drives the open-timeout clock, so track it.
		b.changedAt = rec.ChangedAt
	} else {
		b.transitionLocked(rec.State, rec.ChangedAt, "observed shared state")
	}
	return b.state, b.changedAt
}

// beginTrial claims the single trial slot for this open period. With a
// store the slot is the probe lease; locally it is the probing flag. The
// winner carries the state to HalfOpen.
func (b *Breaker) beginTrial(ctx context.Context) bool {
	if b.store == nil {
		return b.beginTrialLocal()
	}

	got, err := b.store.AcquireLease(ctx, b.probeKey, b.cfg.OpenTimeout)
	if err != nil {
		b.degrade("acquiring trial lease", err)
		return b.beginTrialLocal()
	}
	if !got {
		return false
	}
	now := time.Now()
	b.writeRecord(ctx, StateHalfOpen, now)
	b.mu.Lock()
	b.probing = true
	b.transitionLocked(StateHalfOpen, now, "trial admitted")
	b.mu.Unlock()
	return true
}

func (b *Breaker) beginTrialLocal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probing {
		return false
	}
	switch b.state {
	case StateOpen:
		if time.Since(b.changedAt) <= b.cfg.OpenTimeout {
			return false
		}
	case StateHalfOpen:
		// Probe slot free without a resolution (seeded half-open or an
		// abandoned remote trial); claim it.
	default:
		return false
	}
	b.probing = true
	b.transitionLocked(StateHalfOpen, time.Now(), "trial admitted")
	return true
}

// onSuccess settles a successful call: a trial closes the circuit, and
// any success restarts the consecutive-failure count.
func (b *Breaker) onSuccess(ctx context.Context, trial bool) {
	if trial {
		metrics.BreakerTrials.WithLabelValues(b.name, "success").Inc()
		now := time.Now()
		if b.store != nil {
			if err := b.store.Set(ctx, b.failKey, []byte("0"), 0); err != nil {
				b.degrade("resetting failure counter", err)
			}
			b.writeRecord(ctx, StateClosed, now)
			if err := b.store.ReleaseLease(ctx, b.probeKey); err != nil {
				b.degrade("releasing trial lease", err)
			}
		}
		b.mu.Lock()
		b.probing = false
		b.setFailuresLocked(0)
		b.transitionLocked(StateClosed, now, "trial success")
		b.mu.Unlock()
		return
	}

	if b.store != nil {
		if err := b.store.Set(ctx, b.failKey, []byte("0"), 0); err != nil {
			b.degrade("resetting failure counter", err)
		}
		if b.cfg.StateTTL > 0 {
			if err := b.store.Refresh(ctx, b.stateKey, b.cfg.StateTTL); err != nil && !errors.Is(err, store.ErrNotFound) {
				b.degrade("refreshing state record", err)
			}
		}
	}
	b.mu.Lock()
	b.setFailuresLocked(0)
	b.mu.Unlock()
}

// onFailure settles a failed call: a trial reopens the circuit with a
// fresh clock, and a normal failure advances the counter, tripping the
// circuit at the threshold.
func (b *Breaker) onFailure(ctx context.Context, trial bool) {
	if trial {
		metrics.BreakerTrials.WithLabelValues(b.name, "failure").Inc()
		now := time.Now()
		if b.store != nil {
			b.writeRecord(ctx, StateOpen, now)
			if err := b.store.ReleaseLease(ctx, b.probeKey); err != nil {
				b.degrade("releasing trial lease", err)
			}
		}
		b.mu.Lock()
		b.probing = false
		b.bumpFailuresLocked()
		b.transitionLocked(StateOpen, now, "trial failure")
		b.mu.Unlock()
		return
	}

	if b.store != nil {
		n, err := b.store.IncrementAndTrip(ctx, b.failKey, int64(b.cfg.SharedThreshold),
			b.stateKey, encodeRecord(StateOpen, time.Now()), b.cfg.StateTTL)
		if err != nil {
			b.degrade("recording failure", err)
			b.localFailure()
			return
		}
		b.mu.Lock()
		b.setFailuresLocked(int(n))
		if n >= int64(b.cfg.SharedThreshold) && b.state == StateClosed {
			b.transitionLocked(StateOpen, time.Now(), "failure threshold reached")
		}
		b.mu.Unlock()
		return
	}

	b.localFailure()
}

func (b *Breaker) localFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bumpFailuresLocked()
	if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
		b.transitionLocked(StateOpen, time.Now(), "failure threshold reached")
	}
}

// writeRecord persists a state record, creating the key when the
// conditional write finds it missing (expired or never initialized) so
// a trial resolution is never lost.
func (b *Breaker) writeRecord(ctx context.Context, st State, at time.Time) {
	rec := encodeRecord(st, at)
	ok, err := b.store.SetIfExists(ctx, b.stateKey, rec)
	if err != nil {
		b.degrade("writing state record", err)
		return
	}
	if !ok {
		if err := b.store.Set(ctx, b.stateKey, rec, b.cfg.StateTTL); err != nil {
			b.degrade("writing state record", err)
		}
	}
}

// degrade notes a store failure. Callers proceed on local state; the
// outage never surfaces to Execute callers.
func (b *Breaker) degrade(op string, err error) {
	metrics.StoreFallbacks.Inc()
	b.logger.Warn("store unavailable, using local state",
		"breaker", b.name,
		"op", op,
		"error", err,
	)
}

// bumpFailuresLocked advances the consecutive-failure count, clamping at
// the threshold so concurrent reporters cannot overshoot it. Must be
// called with b.mu held.
func (b *Breaker) bumpFailuresLocked() {
	if b.failures < b.cfg.FailureThreshold {
		b.setFailuresLocked(b.failures + 1)
	}
}

// setFailuresLocked updates the counter and its gauge. Must be called
// with b.mu held.
func (b *Breaker) setFailuresLocked(n int) {
	b.failures = n
	metrics.BreakerFailures.WithLabelValues(b.name).Set(float64(n))
}

// transitionLocked changes the breaker state, emitting metrics, logging,
// and queueing listener notifications. Must be called with b.mu held.
func (b *Breaker) transitionLocked(newState State, at time.Time, reason string) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState
	b.changedAt = at
	if newState == StateClosed {
		b.setFailuresLocked(0)
	}

	metrics.BreakerStateChanges.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"breaker", b.name,
		"from", from.String(),
		"to", newState.String(),
		"reason", reason,
	)

	b.enqueue(Change{Name: b.name, From: from, To: newState, At: at})
}
