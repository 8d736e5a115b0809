package webhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payhook"

var (
	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Inbound webhook deliveries by handling result.",
		},
		[]string{"result"},
	)

	events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Classified events by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
)

func recordDelivery(result string) {
	deliveries.WithLabelValues(result).Inc()
}

func recordEvent(eventType, outcome string) {
	events.WithLabelValues(eventType, outcome).Inc()
}
