package driver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/guardpost/internal/breaker"
	"github.com/dskow/guardpost/internal/config"
	"github.com/dskow/guardpost/internal/metrics"
	"github.com/dskow/guardpost/internal/shedder"
)

func init() {
	metrics.Init()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBreaker(t *testing.T) *breaker.Breaker {
	t.Helper()
	br, err := breaker.New("downstream", breaker.Config{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("breaker.New: %v", err)
	}
	t.Cleanup(br.Close)
	return br
}

func testShedder(t *testing.T, load float64, threshold float64) *shedder.Static {
	t.Helper()
	sh, err := shedder.NewStatic(shedder.Config{
		LoadThreshold: threshold,
		LoadFunc:      func() float64 { return load },
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("shedder.NewStatic: %v", err)
	}
	t.Cleanup(sh.Stop)
	return sh
}

func driverConfig(target string, mix config.PriorityMixConfig) config.DriverConfig {
	return config.DriverConfig{
		Enabled:     true,
		Target:      target,
		Rate:        500,
		Burst:       50,
		PriorityMix: mix,
	}
}

func TestDriver_CallsTargetWithPriority(t *testing.T) {
	var hits atomic.Int64
	var sawPriority atomic.Bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get(shedder.PriorityHeader) == "critical" {
			sawPriority.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	d := New(
		driverConfig(target.URL, config.PriorityMixConfig{Critical: 1}),
		testShedder(t, 0.1, 0.9),
		testBreaker(t),
		testLogger(),
	)
	d.Start()
	defer d.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if hits.Load() < 10 {
		t.Fatalf("target hits = %d, want >= 10", hits.Load())
	}
	if !sawPriority.Load() {
		t.Error("expected X-Priority: critical on driver requests")
	}
}

func TestDriver_ServerErrorsOpenBreaker(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	br := testBreaker(t)
	d := New(
		driverConfig(target.URL, config.PriorityMixConfig{Critical: 1}),
		testShedder(t, 0.1, 0.9),
		br,
		testLogger(),
	)
	d.Start()
	defer d.Stop()

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for br.State(ctx) != breaker.StateOpen && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := br.State(ctx); got != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open after repeated 500s", got)
	}
}

func TestDriver_OverloadShedsLowPriority(t *testing.T) {
	var hits atomic.Int64
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	// Load is pinned above the threshold, so every low call sheds
	// before reaching the target.
	d := New(
		driverConfig(target.URL, config.PriorityMixConfig{Low: 1}),
		testShedder(t, 0.9, 0.5),
		testBreaker(t),
		testLogger(),
	)
	d.Start()
	time.Sleep(300 * time.Millisecond)
	d.Stop()

	if got := hits.Load(); got != 0 {
		t.Errorf("target hits = %d, want 0 when all traffic is shed", got)
	}
}

func TestDriver_PickPriorityHonorsMix(t *testing.T) {
	d := New(
		driverConfig("http://localhost:0", config.PriorityMixConfig{Low: 1, Critical: 1}),
		testShedder(t, 0.1, 0.9),
		testBreaker(t),
		testLogger(),
	)
	defer d.cancel()

	seen := make(map[shedder.Priority]int)
	for i := 0; i < 1000; i++ {
		seen[d.pickPriority()]++
	}

	if seen[shedder.PriorityLow] == 0 || seen[shedder.PriorityCritical] == 0 {
		t.Errorf("expected both priorities drawn, got %v", seen)
	}
	if seen[shedder.PriorityMedium] != 0 || seen[shedder.PriorityHigh] != 0 {
		t.Errorf("expected only configured priorities, got %v", seen)
	}
}

func TestDriver_SinglePriorityMix(t *testing.T) {
	d := New(
		driverConfig("http://localhost:0", config.PriorityMixConfig{High: 5}),
		testShedder(t, 0.1, 0.9),
		testBreaker(t),
		testLogger(),
	)
	defer d.cancel()

	for i := 0; i < 100; i++ {
		if got := d.pickPriority(); got != shedder.PriorityHigh {
			t.Fatalf("pickPriority = %v, want high", got)
		}
	}
}

func TestDriver_StopTwice(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	d := New(
		driverConfig(target.URL, config.PriorityMixConfig{Critical: 1}),
		testShedder(t, 0.1, 0.9),
		testBreaker(t),
		testLogger(),
	)
	d.Start()
	d.Stop()
	d.Stop() // must not block or panic
}
