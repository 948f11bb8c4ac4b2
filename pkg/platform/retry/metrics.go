package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts attempts and exhausted retry budgets per operation.
type Metrics struct {
	Attempts  *prometheus.CounterVec
	Exhausted *prometheus.CounterVec
}

// NewMetrics registers retry collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_retry_attempts_total",
			Help: "Total number of attempts made by retried operations",
		}, []string{"operation"}),
		Exhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_retry_exhausted_total",
			Help: "Total number of operations that failed every allowed attempt",
		}, []string{"operation"}),
	}
}

func (m *Metrics) incAttempts(op string) {
	if m != nil {
		m.Attempts.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) incExhausted(op string) {
	if m != nil {
		m.Exhausted.WithLabelValues(op).Inc()
	}
}
