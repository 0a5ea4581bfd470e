package marginguard

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the margin guard's scheduling and evaluation counters.
type Metrics struct {
	TicksTotal       prometheus.Counter
	JobsScheduled    prometheus.Counter
	TriggersTotal    prometheus.Counter
	MitigationsTotal prometheus.Counter
	TickErrors       prometheus.Counter
}

// NewMetrics creates and registers the margin guard metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginguard_ticks_total",
			Help: "Total number of scheduler ticks",
		}),
		JobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginguard_jobs_scheduled_total",
			Help: "Total number of margin-check jobs enqueued",
		}),
		TriggersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginguard_triggers_total",
			Help: "Total number of trigger-price crossings detected",
		}),
		MitigationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginguard_mitigations_total",
			Help: "Total number of mitigation actions executed",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marginguard_tick_errors_total",
			Help: "Total number of per-user scheduling errors",
		}),
	}
	reg.MustRegister(m.TicksTotal, m.JobsScheduled, m.TriggersTotal, m.MitigationsTotal, m.TickErrors)
	return m
}
