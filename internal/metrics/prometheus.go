// Package metrics provides Prometheus metrics for the wake lock daemon.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LockEvents tracks lock lifecycle events by action and kind.
	LockEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keepawake_lock_events_total",
			Help: "Total wake lock events by action and kind",
		},
		[]string{"action", "kind"},
	)

	// LockHeld is 1 while a wake lock is held.
	LockHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keepawake_lock_held",
			Help: "Whether a wake lock is currently held",
		},
		[]string{"kind"},
	)

	// AcquireDuration tracks how long the platform takes to grant a lock.
	AcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keepawake_acquire_duration_seconds",
			Help:    "Wake lock acquisition latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend"},
	)

	// Reacquisitions counts locks re-requested after the display became visible again.
	Reacquisitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keepawake_reacquisitions_total",
			Help: "Total wake locks re-acquired on visibility return",
		},
	)

	// VisibilityChanges counts visibility transitions by new state.
	VisibilityChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keepawake_visibility_changes_total",
			Help: "Total visibility transitions by resulting state",
		},
		[]string{"state"},
	)

	// Errors counts reported failures by source.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keepawake_errors_total",
			Help: "Total errors by source",
		},
		[]string{"source"},
	)

	// HTTPRequests tracks API requests by method, path and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keepawake_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RecordLockEvent counts a lock lifecycle event.
func RecordLockEvent(action, kind string) {
	LockEvents.WithLabelValues(action, kind).Inc()
}

// SetLockHeld flags whether a lock of kind is held.
func SetLockHeld(kind string, held bool) {
	v := 0.0
	if held {
		v = 1
	}
	LockHeld.WithLabelValues(kind).Set(v)
}

// RecordAcquireDuration records acquisition latency.
func RecordAcquireDuration(backend string, seconds float64) {
	AcquireDuration.WithLabelValues(backend).Observe(seconds)
}

// RecordReacquisition counts a re-acquisition.
func RecordReacquisition() {
	Reacquisitions.Inc()
}

// RecordVisibilityChange counts a visibility transition.
func RecordVisibilityChange(state string) {
	VisibilityChanges.WithLabelValues(state).Inc()
}

// RecordError counts an error from source.
func RecordError(source string) {
	Errors.WithLabelValues(source).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequests.WithLabelValues(method, path, status).Inc()
}
