package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuGH/videoagent/internal/domain"
)

var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_queue_enqueued_total",
		Help: "Jobs accepted into the queue, by origin.",
	}, []string{"origin"})

	claimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_queue_claimed_total",
		Help: "Successful job claims (attempt starts).",
	})

	finishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_queue_finished_total",
		Help: "Job attempt resolutions, by outcome and whether a retry was scheduled.",
	}, []string{"outcome", "retried"})

	cancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_queue_cancelled_total",
		Help: "Cancelled jobs, by the phase they were in.",
	}, []string{"phase"})

	stalledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_queue_stalled_total",
		Help: "Active jobs reclaimed after their worker lease expired.",
	})

	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "videoagent_queue_jobs",
		Help: "Jobs per queue state at the last census.",
	}, []string{"state"})
)

func recordEnqueued(origin domain.Origin) {
	enqueuedTotal.WithLabelValues(string(origin)).Inc()
}

func recordClaimed() { claimedTotal.Inc() }

func recordFinished(outcome Outcome, retried bool) {
	v := "false"
	if retried {
		v = "true"
	}
	finishedTotal.WithLabelValues(string(outcome), v).Inc()
}

func recordCancelled(phase string) {
	cancelledTotal.WithLabelValues(phase).Inc()
}

func recordStalled() { stalledTotal.Inc() }

func updateGauges(m Metrics) {
	stateGauge.WithLabelValues("waiting").Set(float64(m.Waiting))
	stateGauge.WithLabelValues("delayed").Set(float64(m.Delayed))
	stateGauge.WithLabelValues("active").Set(float64(m.Active))
	stateGauge.WithLabelValues("completed").Set(float64(m.Completed))
	stateGauge.WithLabelValues("failed").Set(float64(m.Failed))
	stateGauge.WithLabelValues("paused").Set(float64(m.Paused))
}
