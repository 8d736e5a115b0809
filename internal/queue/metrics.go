package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payhook"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue items by kind and status",
		},
		[]string{"kind", "status"},
	)

	itemsDrained = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items_drained_total",
			Help:      "Drained queue items by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time to execute one queue item send",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)
)

func recordItemDrained(kind, outcome string) {
	itemsDrained.WithLabelValues(kind, outcome).Inc()
}

func recordSendDuration(kind string, d time.Duration) {
	sendDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordQueueStats updates queue size gauges for one kind.
func RecordQueueStats(kind Kind, stats *Stats) {
	queueSize.WithLabelValues(string(kind), "pending").Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(kind), "processing").Set(float64(stats.Processing))
	queueSize.WithLabelValues(string(kind), "completed").Set(float64(stats.Completed))
	queueSize.WithLabelValues(string(kind), "dead_letter").Set(float64(stats.DeadLetter))
}
