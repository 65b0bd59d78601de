package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "videoagent_gateway_connections",
		Help: "Open websocket sessions, by namespace.",
	}, []string{"namespace"})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_gateway_sessions_total",
		Help: "Accepted websocket sessions since start, by namespace.",
	}, []string{"namespace"})

	eventsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_gateway_events_relayed_total",
		Help: "Bus events delivered to websocket sessions, by namespace.",
	}, []string{"namespace"})

	slowDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_gateway_slow_drops_total",
		Help: "Sessions disconnected because their send queue overflowed.",
	}, []string{"namespace"})

	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_gateway_auth_failures_total",
		Help: "Websocket handshakes closed for missing or invalid credentials.",
	})

	framesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_gateway_frames_ingested_total",
		Help: "Live frames accepted on /stream and appended to the frame log.",
	})

	ingressRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_gateway_ingress_rejects_total",
		Help: "Live frames refused before reaching the frame log, by reason.",
	}, []string{"reason"})
)

func recordConnect(ns string) {
	connectionsGauge.WithLabelValues(ns).Inc()
	sessionsTotal.WithLabelValues(ns).Inc()
}

func recordDisconnect(ns string) { connectionsGauge.WithLabelValues(ns).Dec() }

func recordRelayed(ns string, n int) { eventsRelayed.WithLabelValues(ns).Add(float64(n)) }

func recordSlowDrop(ns string) { slowDrops.WithLabelValues(ns).Inc() }

func recordAuthFailure() { authFailures.Inc() }

func recordIngress() { framesIngested.Inc() }

func recordIngressReject(reason string) { ingressRejects.WithLabelValues(reason).Inc() }
