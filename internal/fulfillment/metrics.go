package fulfillment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payhook"

var dispatchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fulfillment",
		Name:      "dispatch_duration_seconds",
		Help:      "Fulfillment dispatch duration including retries.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"result"},
)

func recordDispatch(result string, d time.Duration) {
	dispatchDuration.WithLabelValues(result).Observe(d.Seconds())
}
