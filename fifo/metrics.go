package fifo

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which is what tests use.
type Metrics struct {
	MovementsRecorded *prometheus.CounterVec
	Reversals         *prometheus.CounterVec
	Conflicts         prometheus.Counter
	Retries           *prometheus.CounterVec
	WorkOrderDuration prometheus.Histogram
	IntegrityFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MovementsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fifo",
			Name:      "movements_recorded_total",
			Help:      "Movements written to the ledger, by type.",
		}, []string{"type"}),
		Reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fifo",
			Name:      "reversals_total",
			Help:      "Reversal attempts, by movement type and outcome.",
		}, []string{"type", "outcome"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fifo",
			Name:      "concurrency_conflicts_total",
			Help:      "Optimistic re-validation failures at execute time.",
		}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fifo",
			Name:      "retries_total",
			Help:      "Retried attempts, by operation.",
		}, []string{"operation"}),
		WorkOrderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fifo",
			Name:      "work_order_duration_seconds",
			Help:      "Time to process a work order, including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fifo",
			Name:      "integrity_failures_total",
			Help:      "Invariant violations detected by the integrity checker.",
		}),
	}
	reg.MustRegister(
		m.MovementsRecorded,
		m.Reversals,
		m.Conflicts,
		m.Retries,
		m.WorkOrderDuration,
		m.IntegrityFailures,
	)
	return m
}

func (m *Metrics) movementRecorded(t MovementType) {
	if m == nil {
		return
	}
	m.MovementsRecorded.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) reversal(t MovementType, outcome string) {
	if m == nil {
		return
	}
	m.Reversals.WithLabelValues(string(t), outcome).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) retry(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

func (m *Metrics) workOrderDone(start time.Time) {
	if m == nil {
		return
	}
	m.WorkOrderDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) integrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailures.Inc()
}
