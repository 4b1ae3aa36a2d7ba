package shedder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/guardpost/internal/metrics"
	"github.com/dskow/guardpost/internal/store"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMemory(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(s.Stop)
	return s
}

func newTestStatic(t *testing.T, cfg Config, st store.Store) *Static {
	t.Helper()
	s, err := NewStatic(cfg, st, testLogger())
	if err != nil {
		t.Fatalf("constructing shedder: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func fixedLoad(v float64) func() float64 {
	return func() float64 { return v }
}

func okAction(_ context.Context) (any, error) { return "ok", nil }

// downStore implements store.Store with every operation failing, to
// exercise the local-state degradation paths.
type downStore struct{}

var errStoreDown = errors.New("store down")

func (downStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (downStore) Remove(context.Context, string) error { return errStoreDown }
func (downStore) Refresh(context.Context, string, time.Duration) error {
	return errStoreDown
}
func (downStore) SetIfExists(context.Context, string, []byte) (bool, error) {
	return false, errStoreDown
}
func (downStore) IncrementAndTrip(context.Context, string, int64, string, []byte, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (downStore) AcquireLease(context.Context, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (downStore) ReleaseLease(context.Context, string) error { return errStoreDown }

func TestNewStatic_Validation(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
	}{
		{"zero", 0},
		{"negative", -0.5},
		{"above one", 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStatic(Config{LoadThreshold: tt.threshold}, nil, testLogger()); err == nil {
				t.Fatal("expected construction error")
			}
		})
	}

	s, err := NewStatic(Config{LoadThreshold: 1}, nil, testLogger())
	if err != nil {
		t.Fatalf("threshold of exactly 1 should be valid: %v", err)
	}
	s.Stop()
}

func TestStatic_AdmitsBelowThreshold(t *testing.T) {
	s := newTestStatic(t, Config{LoadThreshold: 0.7, LoadFunc: fixedLoad(0.5)}, nil)

	for _, pri := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		got, err := s.Execute(context.Background(), pri, okAction, nil)
		if err != nil {
			t.Fatalf("%s: %v", pri, err)
		}
		if got != "ok" {
			t.Fatalf("%s: got %v, want ok", pri, got)
		}
	}
}

func TestStatic_AdmitsAtThreshold(t *testing.T) {
	// Shedding requires load strictly above the threshold.
	s := newTestStatic(t, Config{LoadThreshold: 0.7, LoadFunc: fixedLoad(0.7)}, nil)

	if _, err := s.Execute(context.Background(), PriorityLow, okAction, nil); err != nil {
		t.Fatalf("load equal to threshold should admit: %v", err)
	}
}

func TestStatic_ShedsWithFallback(t *testing.T) {
	s := newTestStatic(t, Config{LoadThreshold: 0.7, LoadFunc: fixedLoad(0.8)}, nil)

	var invoked atomic.Int64
	action := func(_ context.Context) (any, error) {
		invoked.Add(1)
		return "real", nil
	}
	fallback := func(_ context.Context, cause error) (any, error) {
		if !errors.Is(cause, ErrOverload) {
			t.Errorf("fallback cause = %v, want ErrOverload", cause)
		}
		return "F", nil
	}

	got, err := s.Execute(context.Background(), PriorityLow, action, fallback)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "F" {
		t.Fatalf("got %v, want F", got)
	}
	if n := invoked.Load(); n != 0 {
		t.Fatalf("action invoked %d times, want 0", n)
	}
}

func TestStatic_ShedsWithoutFallback(t *testing.T) {
	s := newTestStatic(t, Config{LoadThreshold: 0.5, LoadFunc: fixedLoad(0.9)}, nil)

	_, err := s.Execute(context.Background(), PriorityMedium, okAction, nil)
	if !errors.Is(err, ErrOverload) {
		t.Fatalf("err = %v, want ErrOverload", err)
	}
}

func TestStatic_HighPrioritiesNeverShed(t *testing.T) {
	s := newTestStatic(t, Config{LoadThreshold: 0.5, LoadFunc: fixedLoad(0.99)}, nil)

	for _, pri := range []Priority{PriorityHigh, PriorityCritical} {
		got, err := s.Execute(context.Background(), pri, okAction, nil)
		if err != nil {
			t.Fatalf("%s: %v", pri, err)
		}
		if got != "ok" {
			t.Fatalf("%s: got %v, want ok", pri, got)
		}
	}
}

func TestStatic_FallbackErrorPropagates(t *testing.T) {
	s := newTestStatic(t, Config{LoadThreshold: 0.5, LoadFunc: fixedLoad(0.9)}, nil)

	errFallback := errors.New("fallback broke")
	fallback := func(_ context.Context, _ error) (any, error) { return nil, errFallback }

	_, err := s.Execute(context.Background(), PriorityLow, okAction, fallback)
	if !errors.Is(err, errFallback) {
		t.Fatalf("err = %v, want fallback error", err)
	}
}

func TestStatic_PrefersStoredLoad(t *testing.T) {
	st := newTestMemory(t)
	ctx := context.Background()
	if err := st.Set(ctx, "shed-current-load", []byte("0.9"), 0); err != nil {
		t.Fatalf("seeding load: %v", err)
	}

	// Local sample says idle; the shared sample says saturated.
	s := newTestStatic(t, Config{LoadThreshold: 0.5, LoadFunc: fixedLoad(0.1)}, st)

	if got := s.CurrentLoad(ctx); got != 0.9 {
		t.Fatalf("CurrentLoad = %v, want 0.9", got)
	}
	if _, err := s.Execute(ctx, PriorityLow, okAction, nil); !errors.Is(err, ErrOverload) {
		t.Fatalf("err = %v, want ErrOverload from shared sample", err)
	}
}

func TestStatic_IgnoresInvalidStoredLoad(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not a number", "garbage"},
		{"above one", "1.5"},
		{"negative", "-0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestMemory(t)
			ctx := context.Background()
			if err := st.Set(ctx, "shed-current-load", []byte(tt.value), 0); err != nil {
				t.Fatalf("seeding load: %v", err)
			}

			s := newTestStatic(t, Config{LoadThreshold: 0.5, LoadFunc: fixedLoad(0.2)}, st)
			if got := s.CurrentLoad(ctx); got != 0.2 {
				t.Fatalf("CurrentLoad = %v, want local sample 0.2", got)
			}
		})
	}
}

func TestStatic_UpdateThreshold(t *testing.T) {
	st := newTestMemory(t)
	ctx := context.Background()
	s := newTestStatic(t, Config{LoadThreshold: 0.7, LoadFunc: fixedLoad(0)}, st)

	if err := s.UpdateThreshold(ctx, 0.9); err != nil {
		t.Fatalf("UpdateThreshold: %v", err)
	}
	if got := s.Threshold(ctx); got != 0.9 {
		t.Fatalf("Threshold = %v, want 0.9", got)
	}

	raw, err := st.Get(ctx, "shed-threshold")
	if err != nil {
		t.Fatalf("reading persisted threshold: %v", err)
	}
	if v, _ := strconv.ParseFloat(string(raw), 64); v != 0.9 {
		t.Fatalf("persisted threshold = %q, want 0.9", raw)
	}
}

func TestStatic_UpdateThresholdValidation(t *testing.T) {
	s := newTestStatic(t, Config{LoadThreshold: 0.7, LoadFunc: fixedLoad(0)}, nil)
	ctx := context.Background()

	for _, bad := range []float64{0, -1, 1.01} {
		if err := s.UpdateThreshold(ctx, bad); err == nil {
			t.Errorf("UpdateThreshold(%v): expected error", bad)
		}
	}
	// Rejected updates leave the threshold untouched.
	if got := s.Threshold(ctx); got != 0.7 {
		t.Fatalf("Threshold = %v, want 0.7", got)
	}
}

func TestStatic_ConcurrentUpdatesStayConsistent(t *testing.T) {
	st := newTestMemory(t)
	ctx := context.Background()
	s := newTestStatic(t, Config{LoadThreshold: 0.5, LoadFunc: fixedLoad(0)}, st)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			if err := s.UpdateThreshold(ctx, v); err != nil {
				t.Errorf("UpdateThreshold(%v): %v", v, err)
			}
		}(float64(i) / 20)
	}
	wg.Wait()

	// Whoever won, the local value and the persisted value must agree.
	raw, err := st.Get(ctx, "shed-threshold")
	if err != nil {
		t.Fatalf("reading persisted threshold: %v", err)
	}
	persisted, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		t.Fatalf("parsing persisted threshold %q: %v", raw, err)
	}
	if local := s.Threshold(ctx); local != persisted {
		t.Fatalf("local threshold %v disagrees with persisted %v", local, persisted)
	}
}

func TestStatic_DefaultSamplerTracksInflight(t *testing.T) {
	s := newTestStatic(t, Config{LoadThreshold: 1, MaxInflight: 4}, nil)
	ctx := context.Background()

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Execute(ctx, PriorityHigh, func(_ context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)
	}()

	// Wait for the action to be in flight.
	deadline := time.After(2 * time.Second)
	for s.Inflight() != 1 {
		select {
		case <-deadline:
			t.Fatal("action never started")
		case <-time.After(time.Millisecond):
		}
	}

	if got := s.CurrentLoad(ctx); got != 0.25 {
		t.Errorf("CurrentLoad = %v, want 0.25 (1 of 4 in flight)", got)
	}

	close(release)
	<-done
	if got := s.Inflight(); got != 0 {
		t.Fatalf("Inflight = %d after completion, want 0", got)
	}
}

func TestStatic_ClampsLocalSample(t *testing.T) {
	ctx := context.Background()

	over := newTestStatic(t, Config{LoadThreshold: 0.5, LoadFunc: fixedLoad(1.7)}, nil)
	if got := over.CurrentLoad(ctx); got != 1 {
		t.Errorf("CurrentLoad = %v, want clamp to 1", got)
	}

	under := newTestStatic(t, Config{LoadThreshold: 0.5, LoadFunc: fixedLoad(-0.3)}, nil)
	if got := under.CurrentLoad(ctx); got != 0 {
		t.Errorf("CurrentLoad = %v, want clamp to 0", got)
	}
}

func TestStatic_PublishesLoad(t *testing.T) {
	st := newTestMemory(t)
	ctx := context.Background()
	s := newTestStatic(t, Config{
		LoadThreshold:   0.7,
		LoadFunc:        fixedLoad(0.42),
		PublishInterval: 10 * time.Millisecond,
	}, st)
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		raw, err := st.Get(ctx, "shed-current-load")
		if err == nil {
			if v, _ := strconv.ParseFloat(string(raw), 64); v == 0.42 {
				return
			}
			t.Fatalf("published load = %q, want 0.42", raw)
		}
		select {
		case <-deadline:
			t.Fatal("load was never published")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStatic_StoreOutageDegradesToLocal(t *testing.T) {
	s := newTestStatic(t, Config{LoadThreshold: 0.7, LoadFunc: fixedLoad(0.3)}, downStore{})
	ctx := context.Background()

	// Sampling falls back to the local function.
	if got := s.CurrentLoad(ctx); got != 0.3 {
		t.Fatalf("CurrentLoad = %v, want local 0.3", got)
	}

	// Execution keeps working.
	got, err := s.Execute(ctx, PriorityLow, okAction, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %v, want ok", got)
	}

	// Threshold updates apply locally and swallow the store failure.
	if err := s.UpdateThreshold(ctx, 0.6); err != nil {
		t.Fatalf("UpdateThreshold: %v", err)
	}
	if got := s.Threshold(ctx); got != 0.6 {
		t.Fatalf("Threshold = %v, want 0.6", got)
	}
}

func TestStatic_StopIsIdempotent(t *testing.T) {
	st := newTestMemory(t)
	s := newTestStatic(t, Config{
		LoadThreshold:   0.7,
		LoadFunc:        fixedLoad(0.1),
		PublishInterval: 10 * time.Millisecond,
	}, st)

	s.Stop()
	s.Stop()
}
