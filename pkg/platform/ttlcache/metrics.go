package ttlcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus counters for one named cache.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
}

// NewMetrics registers the cache counters with reg, labelled by cache name.
func NewMetrics(reg prometheus.Registerer, cache string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"cache": cache}
	return &Metrics{
		Hits: f.NewCounter(prometheus.CounterOpts{
			Name:        "tally_cache_hits_total",
			Help:        "Total number of cache lookups served from a fresh entry",
			ConstLabels: labels,
		}),
		Misses: f.NewCounter(prometheus.CounterOpts{
			Name:        "tally_cache_misses_total",
			Help:        "Total number of cache lookups that found no fresh entry",
			ConstLabels: labels,
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name:        "tally_cache_evictions_total",
			Help:        "Total number of entries removed because they expired",
			ConstLabels: labels,
		}),
	}
}

// RegisterEntriesGauge exposes the live entry count of c under the cache name.
func RegisterEntriesGauge[V any](reg prometheus.Registerer, cache string, c *Cache[V]) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "tally_cache_entries",
		Help:        "Number of entries currently held by the cache",
		ConstLabels: prometheus.Labels{"cache": cache},
	}, func() float64 {
		return float64(c.Len())
	})
}

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) eviction() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) evictions(n int) {
	if m != nil {
		m.Evictions.Add(float64(n))
	}
}
