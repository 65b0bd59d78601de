package stream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_stream_records_total",
		Help: "Valid records read from frame logs.",
	})

	recordsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_stream_records_invalid_total",
		Help: "Malformed records acked away without processing.",
	})

	batchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_stream_batches_flushed_total",
		Help: "Batches handed to workers, by flush trigger.",
	}, []string{"trigger"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "videoagent_stream_batch_size",
		Help:    "Records per flushed batch.",
		Buckets: prometheus.LinearBuckets(1, 2, 8), // 1 to 15
	})

	batchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_stream_batches_dropped_total",
		Help: "Batches dropped because the worker channel was full.",
	})

	recordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_stream_records_dropped_total",
		Help: "Records lost inside dropped batches.",
	})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_stream_results_total",
		Help: "Per-frame inference results, by outcome.",
	}, []string{"outcome"})

	processSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "videoagent_stream_process_seconds",
		Help:    "Per-record processing latency including the vision call.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	processPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_stream_panics_total",
		Help: "Recovered panics in per-record processing.",
	})
)

func recordRead() { recordsRead.Inc() }

func recordInvalid() { recordsInvalid.Inc() }

func recordBatchFlushed(trigger string, size int) {
	batchesFlushed.WithLabelValues(trigger).Inc()
	batchSize.Observe(float64(size))
}

func recordBatchDropped(size int) {
	batchesDropped.Inc()
	recordsDropped.Add(float64(size))
}

func recordResult(outcome string) { resultsTotal.WithLabelValues(outcome).Inc() }

func observeProcess(d time.Duration) { processSeconds.Observe(d.Seconds()) }

func recordProcessPanic() { processPanics.Inc() }
