package index

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_index_operations_total",
		Help: "Index operations by kind, collection and outcome.",
	}, []string{"operation", "collection", "outcome"})

	opSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "videoagent_index_operation_seconds",
		Help:    "Index operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "collection"})

	pointsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_index_points_upserted_total",
		Help: "Points written to the index, by collection.",
	}, []string{"collection"})
)

func observeOp(op, collection string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	opsTotal.WithLabelValues(op, collection, outcome).Inc()
	opSeconds.WithLabelValues(op, collection).Observe(time.Since(start).Seconds())
}

func recordPointsUpserted(collection string, n int) {
	pointsUpserted.WithLabelValues(collection).Add(float64(n))
}
