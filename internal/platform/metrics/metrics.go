package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. Methods are nil-safe
// so tests can pass a nil *Metrics without wiring a registry.
type Metrics struct {
	// Operations by subsystem, action, and outcome ("ok" or the error code).
	Operations *prometheus.CounterVec

	// Latency of whole operations, including the store round trip.
	OperationLatency *prometheus.HistogramVec

	// Approvals held by recovery requests when completion is attempted.
	RecoveryApprovals prometheus.Histogram
}

// New creates and registers all engine metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		Operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idvault_operations_total",
			Help: "Total engine operations by subsystem, action, and outcome",
		}, []string{"subsystem", "action", "outcome"}),

		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idvault_operation_duration_seconds",
			Help:    "Duration of engine operations including store access",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"subsystem", "action"}),

		RecoveryApprovals: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "idvault_recovery_approvals_at_completion",
			Help:    "Number of guardian approvals present when completion is attempted",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		}),
	}
}

// RecordOperation counts one operation outcome.
func (m *Metrics) RecordOperation(subsystem, action, outcome string) {
	if m != nil {
		m.Operations.WithLabelValues(subsystem, action, outcome).Inc()
	}
}

// ObserveOperation records how long one operation took.
func (m *Metrics) ObserveOperation(subsystem, action string, d time.Duration) {
	if m != nil {
		m.OperationLatency.WithLabelValues(subsystem, action).Observe(d.Seconds())
	}
}

// ObserveRecoveryApprovals records the approval count seen at a completion
// attempt.
func (m *Metrics) ObserveRecoveryApprovals(count int) {
	if m != nil {
		m.RecoveryApprovals.Observe(float64(count))
	}
}
