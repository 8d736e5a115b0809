package orders

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payhook"

var (
	orderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order payment transitions by result (paid, noop).",
		},
		[]string{"result"},
	)

	refundOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "refunds_total",
			Help:      "Refund applications by outcome.",
		},
		[]string{"outcome"},
	)
)

func recordTransition(result string) {
	orderTransitions.WithLabelValues(result).Inc()
}

func recordRefund(outcome string) {
	refundOutcomes.WithLabelValues(outcome).Inc()
}
