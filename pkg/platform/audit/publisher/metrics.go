package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts audit dispatch outcomes.
type Metrics struct {
	emitted      prometheus.Counter
	dropped      prometheus.Counter
	written      prometheus.Counter
	storeFailure prometheus.Counter
	sinkFailure  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		emitted: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_audit_emitted_total",
			Help: "Audit records handed to the publisher",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_audit_dropped_total",
			Help: "Audit records dropped because the buffer was full or closed",
		}),
		written: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_audit_written_total",
			Help: "Audit records persisted to the store",
		}),
		storeFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_audit_store_failures_total",
			Help: "Audit records that failed to persist",
		}),
		sinkFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_audit_sink_failures_total",
			Help: "Audit records that failed to reach the mirror sink",
		}),
	}
}

func (m *Metrics) Emitted() {
	if m != nil {
		m.emitted.Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) Written() {
	if m != nil {
		m.written.Inc()
	}
}

func (m *Metrics) StoreFailed() {
	if m != nil {
		m.storeFailure.Inc()
	}
}

func (m *Metrics) SinkFailed() {
	if m != nil {
		m.sinkFailure.Inc()
	}
}
