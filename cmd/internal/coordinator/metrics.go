package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks critical-section outcomes and timings.
type Metrics struct {
	Outcomes        *prometheus.CounterVec
	Rollbacks       *prometheus.CounterVec
	Compensations   prometheus.Counter
	LockWait        prometheus.Histogram
	SectionDuration *prometheus.HistogramVec
}

// NewMetrics registers the coordinator metrics on reg. A nil reg yields
// working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrid_coordinator_operations_total",
			Help: "Coordinator operations by name and outcome",
		}, []string{"op", "outcome"}),
		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nostrid_coordinator_rollbacks_total",
			Help: "Ledger transactions rolled back inside the critical section, by reason",
		}, []string{"op", "reason"}),
		Compensations: f.NewCounter(prometheus.CounterOpts{
			Name: "nostrid_coordinator_file_restores_total",
			Help: "Registry files restored after a ledger commit failed",
		}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nostrid_coordinator_lock_wait_seconds",
			Help:    "Time spent waiting for the registry lock",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		SectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nostrid_coordinator_section_duration_seconds",
			Help:    "Duration of critical sections by operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),
	}
}

func (m *Metrics) outcome(op, outcome string) {
	m.Outcomes.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) rollback(op, reason string) {
	m.Rollbacks.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) observeWait(start time.Time) {
	m.LockWait.Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeSection(op string, start time.Time) {
	m.SectionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
