package bus

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_bus_published_total",
		Help: "Total messages accepted by the bus, by topic prefix",
	}, []string{"topic"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_bus_dropped_total",
		Help: "Total bus messages dropped, by topic prefix and reason",
	}, []string{"topic", "reason"})

	subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videoagent_bus_subscriptions",
		Help: "Open bus subscriptions",
	})
)

// topicPrefix reduces per-job topics to their family to keep label
// cardinality bounded (jobs:<uuid> → jobs).
func topicPrefix(topic string) string {
	if topic == "" {
		return "unknown"
	}
	if i := strings.IndexByte(topic, ':'); i > 0 {
		return topic[:i]
	}
	return topic
}

func recordPublish(topic string) {
	publishedTotal.WithLabelValues(topicPrefix(topic)).Inc()
}

func recordDrop(topic, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	droppedTotal.WithLabelValues(topicPrefix(topic), reason).Inc()
}
