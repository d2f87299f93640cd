// Package metrics exposes the maintenance engine's Prometheus collectors,
// grounded on the teacher's pkg/metrics: package-level collectors registered
// in init(), a Handler() for the admin HTTP surface, and a Timer helper for
// the driver's phaseOne/phaseTwo cycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Action queue metrics (spec section 4.2).
	ActionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbkeeper_actions_total",
			Help: "Total number of registered actions by state",
		},
		[]string{"state"},
	)

	ActionsRegisteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbkeeper_actions_registered_total",
			Help: "Total number of actions registered by kind",
		},
		[]string{"kind"},
	)

	ActionsDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbkeeper_actions_duplicate_total",
			Help: "Total number of AddAction calls rejected as duplicates",
		},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbkeeper_action_duration_seconds",
			Help:    "Time from an action's registration to its terminal state, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Driver metrics (spec section 4.7).
	PhaseOneDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbkeeper_phase_one_duration_seconds",
			Help:    "Time taken by one phaseOne (reconcile) cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	PhaseTwoDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbkeeper_phase_two_duration_seconds",
			Help:    "Time taken by one phaseTwo (report) cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	DriverCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbkeeper_driver_cycles_total",
			Help: "Total number of driver iterations completed",
		},
	)

	DriverCycleErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbkeeper_driver_cycle_errors_total",
			Help: "Total number of driver iterations that returned an error",
		},
	)

	DirtyDatabasesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbkeeper_dirty_databases",
			Help: "Number of databases currently marked dirty",
		},
	)

	// SynchronizeShard stage metrics (spec section 4.9).
	SynchronizeShardStageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbkeeper_synchronize_shard_stage_total",
			Help: "Total number of SynchronizeShard attempts reaching each stage",
		},
		[]string{"stage"},
	)

	SynchronizeShardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbkeeper_synchronize_shard_duration_seconds",
			Help:    "Time taken by a full SynchronizeShard attempt",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Admin REST metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbkeeper_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ActionsRegisteredTotal)
	prometheus.MustRegister(ActionsDuplicateTotal)
	prometheus.MustRegister(ActionDuration)

	prometheus.MustRegister(PhaseOneDuration)
	prometheus.MustRegister(PhaseTwoDuration)
	prometheus.MustRegister(DriverCyclesTotal)
	prometheus.MustRegister(DriverCycleErrorsTotal)
	prometheus.MustRegister(DirtyDatabasesGauge)

	prometheus.MustRegister(SynchronizeShardStageTotal)
	prometheus.MustRegister(SynchronizeShardDuration)

	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
