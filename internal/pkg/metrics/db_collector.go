package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordDBPoolMetrics updates connection pool gauges from pgxpool stats.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	stats := pool.Stat()
	DBPoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	DBPoolConnections.WithLabelValues("acquired").Set(float64(stats.AcquiredConns()))
	DBPoolConnections.WithLabelValues("constructing").Set(float64(stats.ConstructingConns()))
}
