package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records ledger operation outcomes.
type Metrics struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	consentRejected prometheus.Counter
	pointsAdjusted  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_ledger_operations_total",
			Help: "Ledger operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_ledger_operation_duration_seconds",
			Help:    "Ledger operation latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		consentRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_ledger_consent_rejections_total",
			Help: "Balance mutations rejected for missing consent",
		}),
		pointsAdjusted: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_ledger_points_adjusted_total",
			Help: "Absolute sum of applied balance deltas",
		}),
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) incConsentRejected() {
	if m != nil {
		m.consentRejected.Inc()
	}
}

func (m *Metrics) addPoints(delta int64) {
	if m == nil {
		return
	}
	if delta < 0 {
		delta = -delta
	}
	m.pointsAdjusted.Add(float64(delta))
}
