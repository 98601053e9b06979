package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	MessagesCreated  *prometheus.CounterVec
	WriteRetries     *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_created_total",
			Help:      "Create-message calls by result (created or duplicate).",
		}, []string{"result"}),
		WriteRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "write_retries_total",
			Help:      "Write transactions retried after a transient conflict.",
		}, []string{"op"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "publish_failures_total",
			Help:      "Events whose publish failed after commit.",
		}, []string{"event"}),
		OperationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesCreated, m.WriteRetries, m.PublishFailures, m.OperationSeconds)
	}
	return m
}
