package stream

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks stream activity in Prometheus.
type Metrics struct {
	ConnectionsTotal prometheus.Counter
	DisconnectsTotal prometheus.Counter
	MessagesTotal    prometheus.Counter
	ReconnectsTotal  prometheus.Counter
}

// NewMetrics creates and registers the stream metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_connections_total",
			Help: "Total number of managed stream connections created",
		}),
		DisconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_disconnects_total",
			Help: "Total number of stream disconnects",
		}),
		MessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_messages_total",
			Help: "Total number of stream messages sent or received",
		}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "Total number of stream reconnect attempts",
		}),
	}
	reg.MustRegister(m.ConnectionsTotal, m.DisconnectsTotal, m.MessagesTotal, m.ReconnectsTotal)
	return m
}
