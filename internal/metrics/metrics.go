// Package metrics provides Prometheus instrumentation for guardpost.
// All metric collectors are registered on init via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BreakerState tracks the current circuit breaker state
	// (0 closed, 1 open, 2 half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardpost_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	// BreakerStateChanges counts state transitions by breaker, from, and to.
	BreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// BreakerFailures tracks the last observed consecutive failure count.
	BreakerFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardpost_breaker_failures",
			Help: "Last observed consecutive failure count",
		},
		[]string{"breaker"},
	)

	// BreakerRejections counts calls rejected without invoking the action.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_breaker_rejections_total",
			Help: "Total calls rejected while the circuit was open",
		},
		[]string{"breaker"},
	)

	// BreakerTrials counts half-open trial calls by outcome.
	BreakerTrials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_breaker_trials_total",
			Help: "Total half-open trial calls",
		},
		[]string{"breaker", "outcome"},
	)

	// BreakerNotifyDrops counts state change notifications dropped because
	// the listener queue was full.
	BreakerNotifyDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_breaker_notify_drops_total",
			Help: "Total state change notifications dropped",
		},
		[]string{"breaker"},
	)

	// ShedderShed counts requests rejected by the load shedder.
	ShedderShed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_shedder_shed_total",
			Help: "Total calls shed under load",
		},
		[]string{"shedder", "priority"},
	)

	// ShedderLoad tracks the most recent load sample used for admission.
	ShedderLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardpost_shedder_load",
			Help: "Most recent load sample in [0,1]",
		},
		[]string{"shedder"},
	)

	// ShedderThreshold tracks the configured admission threshold.
	ShedderThreshold = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardpost_shedder_threshold",
			Help: "Current load shedding threshold",
		},
		[]string{"shedder"},
	)

	// ShedderInflight tracks actions currently running inside the shedder.
	ShedderInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardpost_shedder_inflight",
			Help: "Number of in-flight admitted calls",
		},
		[]string{"shedder"},
	)

	// StoreOps counts shared store operations by op name.
	StoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_store_ops_total",
			Help: "Total shared store operations",
		},
		[]string{"op"},
	)

	// StoreErrors counts failed shared store operations by op name.
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_store_errors_total",
			Help: "Total failed shared store operations",
		},
		[]string{"op"},
	)

	// StoreFallbacks counts the times a primitive fell back to local state
	// because the shared store was unavailable.
	StoreFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardpost_store_fallbacks_total",
			Help: "Total degradations to local state",
		},
	)

	// AuthFailures counts rejected admin requests by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_auth_failures_total",
			Help: "Total rejected admin authentication attempts",
		},
		[]string{"reason"},
	)

	// DriverRequests counts demo driver calls by priority and outcome.
	DriverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_driver_requests_total",
			Help: "Total driver calls by outcome",
		},
		[]string{"priority", "outcome"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		BreakerState,
		BreakerStateChanges,
		BreakerFailures,
		BreakerRejections,
		BreakerTrials,
		BreakerNotifyDrops,
		ShedderShed,
		ShedderLoad,
		ShedderThreshold,
		ShedderInflight,
		StoreOps,
		StoreErrors,
		StoreFallbacks,
		AuthFailures,
		DriverRequests,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
