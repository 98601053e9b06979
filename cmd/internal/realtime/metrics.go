package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gateway collectors.
type Metrics struct {
	Connections prometheus.Gauge
	PushDropped prometheus.Counter
	Rejected    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "ws_connections",
			Help:      "Open WebSocket sessions.",
		}),
		PushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "ws_push_dropped_total",
			Help:      "Event pushes skipped because a session queue was full.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "ws_rejected_total",
			Help:      "Upgrade requests refused before the session started.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.PushDropped, m.Rejected)
	}
	return m
}
