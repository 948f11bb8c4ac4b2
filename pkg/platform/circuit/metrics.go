package circuit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors shared by every breaker in a process.
type Metrics struct {
	State    *prometheus.GaugeVec
	Rejected *prometheus.CounterVec
	Failures *prometheus.CounterVec
}

// NewMetrics registers breaker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tally_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_circuit_breaker_rejected_total",
			Help: "Total number of calls rejected without invoking the dependency",
		}, []string{"breaker"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_circuit_breaker_failures_total",
			Help: "Total number of call outcomes counted as failures",
		}, []string{"breaker"}),
	}
}

func (m *Metrics) setState(name string, s State) {
	if m != nil {
		m.State.WithLabelValues(name).Set(float64(s))
	}
}

func (m *Metrics) incRejected(name string) {
	if m != nil {
		m.Rejected.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) incFailures(name string) {
	if m != nil {
		m.Failures.WithLabelValues(name).Inc()
	}
}
