package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videoagent_pipeline_workers",
		Help: "Workers currently running, including ones mid-job.",
	})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_pipeline_jobs_total",
		Help: "Finished jobs, by outcome.",
	}, []string{"outcome"})

	stageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "videoagent_pipeline_stage_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 9), // 100ms to ~11min
	}, []string{"stage"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_pipeline_stage_failures_total",
		Help: "Fatal stage errors, by stage.",
	}, []string{"stage"})

	framesAnalyzed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_pipeline_frames_analyzed_total",
		Help: "Frames run through the vision model.",
	})

	nonFatalSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_pipeline_nonfatal_skips_total",
		Help: "Optional stages that failed and were skipped, by stage.",
	}, []string{"stage"})
)

func setWorkers(n int) { workersGauge.Set(float64(n)) }

func recordJob(outcome string) { jobsTotal.WithLabelValues(outcome).Inc() }

func recordFrame() { framesAnalyzed.Inc() }

func recordNonFatal(stage string) { nonFatalSkips.WithLabelValues(stage).Inc() }

func observeStage(stage string, start time.Time, err error) {
	stageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		stageFailures.WithLabelValues(stage).Inc()
	}
}
