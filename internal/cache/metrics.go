package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the cache counters into Prometheus.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
}

// NewMetrics creates and registers the cache metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of tiered cache hits",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of tiered cache misses",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of tiered cache evictions",
		}),
	}
	reg.MustRegister(m.Hits, m.Misses, m.Evictions)
	return m
}
