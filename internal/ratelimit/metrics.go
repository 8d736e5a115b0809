package ratelimit

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payhook"

var limiterDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit check outcomes by bucket and decision",
	},
	[]string{"bucket", "decision"},
)

func recordDecision(key, decision string) {
	limiterDecisions.WithLabelValues(bucketLabel(key), decision).Inc()
}

// bucketLabel keeps the first two key segments so per-recipient keys do not
// explode metric cardinality.
func bucketLabel(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return key
	}
	return parts[0] + ":" + parts[1]
}
