package metrics

import "github.com/prometheus/client_golang/prometheus"

// IngressMetrics counts broadcast envelopes arriving from message brokers.
type IngressMetrics struct {
	Messages *prometheus.CounterVec
}

// NewIngressMetrics creates and registers ingress metrics on the given registry.
func NewIngressMetrics(reg prometheus.Registerer) *IngressMetrics {
	m := &IngressMetrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "messages_total",
			Help:      "Broadcast envelopes received from brokers, by source and outcome.",
		}, []string{"source", "outcome"}),
	}

	reg.MustRegister(m.Messages)
	return m
}
