// Package metrics provides Prometheus metrics for the ingestion core.
//
// Metrics are registered once via promauto and shared process-wide;
// components record through the package-level collectors rather than
// owning registries of their own.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived counts raw messages handled by connectors.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedline_messages_received_total",
			Help: "Total raw messages received, by connector",
		},
		[]string{"connector_id"},
	)

	// RecordsClassified counts delta engine classifications.
	RecordsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedline_records_classified_total",
			Help: "Total records classified by the delta engine, by connector and delta type",
		},
		[]string{"connector_id", "delta_type"},
	)

	// RowsUpserted counts rows written through the persistence gateway.
	RowsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedline_rows_upserted_total",
			Help: "Total rows upserted, by connector",
		},
		[]string{"connector_id"},
	)

	// RunDuration observes scheduler job durations.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedline_run_duration_seconds",
			Help:    "Scheduler job duration in seconds, by endpoint and status",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"endpoint_id", "status"},
	)

	// ReconnectAttempts counts connector reconnection attempts.
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedline_reconnect_attempts_total",
			Help: "Total reconnection attempts, by connector",
		},
		[]string{"connector_id"},
	)

	// HandoffTimeouts counts worker-to-persistence handoffs that timed out.
	HandoffTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedline_handoff_timeouts_total",
			Help: "Total scheduler handoffs that exceeded the handoff timeout",
		},
	)

	// FailedCalls counts failed outbound calls recorded to the failure sink.
	FailedCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedline_failed_calls_total",
			Help: "Total failed outbound calls, by source",
		},
		[]string{"api_id"},
	)

	// Reconciliations counts tracker reconciliation passes.
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedline_counter_reconciliations_total",
			Help: "Total counter reconciliation passes, by connector and outcome",
		},
		[]string{"connector_id", "outcome"},
	)
)

// Timer tracks the duration of a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveRun records a completed scheduler job.
func ObserveRun(endpointID, status string, elapsed time.Duration) {
	RunDuration.WithLabelValues(endpointID, status).Observe(elapsed.Seconds())
}
