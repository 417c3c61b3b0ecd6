package audit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for delegations and phase progress.
type Metrics struct {
	DelegationsTotal   *prometheus.CounterVec
	DelegationDuration *prometheus.HistogramVec
	UnitsConsumedTotal *prometheus.CounterVec
	PhaseTransitions   *prometheus.CounterVec
	RunsTotal          *prometheus.CounterVec
}

// NewMetrics registers the metrics once per process.
//
// Metrics:
//   - phasectl_delegations_total{capability,outcome,error_class}
//   - phasectl_delegation_duration_seconds{capability}
//   - phasectl_units_consumed_total{phase}
//   - phasectl_phase_transitions_total{from,to}
//   - phasectl_runs_total{status}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			DelegationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "phasectl_delegations_total",
					Help: "Total number of delegation attempts",
				},
				[]string{"capability", "outcome", "error_class"},
			),
			DelegationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "phasectl_delegation_duration_seconds",
					Help:    "Duration of delegation attempts in seconds",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
				},
				[]string{"capability"},
			),
			UnitsConsumedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "phasectl_units_consumed_total",
					Help: "Budget units consumed by delegations",
				},
				[]string{"phase"},
			),
			PhaseTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "phasectl_phase_transitions_total",
					Help: "Phase controller state transitions",
				},
				[]string{"from", "to"},
			),
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "phasectl_runs_total",
					Help: "Runs by terminal status",
				},
				[]string{"status"},
			),
		}
	})
	return globalMetrics
}

// observe updates delegation metrics for r.
func (m *Metrics) observe(r Record) {
	if m == nil {
		return
	}
	m.DelegationsTotal.WithLabelValues(string(r.HandlerTag), string(r.Outcome), string(r.ErrorClass)).Inc()
	m.DelegationDuration.WithLabelValues(string(r.HandlerTag)).Observe(r.Duration().Seconds())
	if r.UnitsConsumed > 0 {
		m.UnitsConsumedTotal.WithLabelValues(string(r.Phase)).Add(float64(r.UnitsConsumed))
	}
}

// Transition counts a phase controller transition.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

// RunFinished counts a run reaching a terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}
