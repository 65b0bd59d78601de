// SPDX-License-Identifier: MIT

// Package stream turns live frames from the frames:<stream-id> append logs
// into per-frame inference results. The consumer discovers streams and reads
// records through a consumer group; the batcher groups records into small
// batches and fans them out to the vision model. Loss is preferred over
// backpressure everywhere: a full channel drops the newest batch.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// livePrompt keeps realtime vision cheap: one short structured answer per frame.
const livePrompt = `Describe this frame as JSON: {"description", "features", "objects", "confidence"}.`

// FrameAnalyzer is the single model call live frames need.
type FrameAnalyzer interface {
	AnalyzeFrame(ctx context.Context, image []byte, prompt string) (domain.FrameAnalysis, error)
}

// Sink receives per-frame results. The progressive tracker implements it.
// Results may arrive out of frame-number order; sinks key by
// (StreamID, FrameNumber).
type Sink interface {
	HandleResult(ctx context.Context, res domain.StreamResult)
}

// AckFunc acknowledges a processed record in its source log.
type AckFunc func(ctx context.Context, rec domain.StreamRecord) error

// BatcherConfig tunes batching and the worker pool.
type BatcherConfig struct {
	MaxBatchSize  int           // flush threshold
	BatchWait     time.Duration // flush deadline measured from the last flush
	BatchBuffer   int           // flushed batches waiting for a worker
	Workers       int           // concurrent batch workers
	VisionTimeout time.Duration // per-record model budget
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 16
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 50 * time.Millisecond
	}
	if c.BatchBuffer <= 0 {
		c.BatchBuffer = 8
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.VisionTimeout <= 0 {
		c.VisionTimeout = 60 * time.Second
	}
	return c
}

// Batcher accumulates stream records and processes them in batches. Within a
// batch every record runs in its own goroutine; a panic loses only that
// record.
type Batcher struct {
	cfg    BatcherConfig
	vision FrameAnalyzer
	sink   Sink
	ack    AckFunc
	logger zerolog.Logger

	mu      sync.Mutex
	pending []domain.StreamRecord
	timer   *time.Timer
	batches chan []domain.StreamRecord
}

// NewBatcher wires the batcher to its model, result sink and ack callback.
func NewBatcher(cfg BatcherConfig, vision FrameAnalyzer, sink Sink, ack AckFunc) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{
		cfg:     cfg,
		vision:  vision,
		sink:    sink,
		ack:     ack,
		logger:  log.WithComponent("stream.batcher"),
		pending: make([]domain.StreamRecord, 0, cfg.MaxBatchSize),
		batches: make(chan []domain.StreamRecord, cfg.BatchBuffer),
	}
}

// Run starts the flush timer and the batch workers and blocks until ctx ends.
func (b *Batcher) Run(ctx context.Context) error {
	b.mu.Lock()
	b.timer = time.AfterFunc(b.cfg.BatchWait, b.flushOnTimer)
	b.mu.Unlock()

	b.logger.Info().
		Int(log.FieldBatchSize, b.cfg.MaxBatchSize).
		Dur(log.FieldDuration, b.cfg.BatchWait).
		Int("workers", b.cfg.Workers).
		Msg("batcher started")

	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			b.worker(ctx, id)
		}(i)
	}

	<-ctx.Done()
	b.mu.Lock()
	b.timer.Stop()
	b.timer = nil
	b.mu.Unlock()
	wg.Wait()
	return ctx.Err()
}

// Add appends a record to the pending batch, flushing when full. Safe for
// concurrent use.
func (b *Batcher) Add(rec domain.StreamRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, rec)
	if len(b.pending) >= b.cfg.MaxBatchSize {
		b.flushLocked("size")
	}
}

func (b *Batcher) flushOnTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked("wait")
}

// flushLocked hands the pending batch to the workers. The wait timer restarts
// on every flush, not per arrival, so a size-triggered flush cannot leave a
// stale timer that fires straight into the next, nearly empty batch.
func (b *Batcher) flushLocked(trigger string) {
	if b.timer != nil {
		b.timer.Reset(b.cfg.BatchWait)
	}
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = make([]domain.StreamRecord, 0, b.cfg.MaxBatchSize)

	select {
	case b.batches <- batch:
		recordBatchFlushed(trigger, len(batch))
	default:
		// Live loss beats blocking the reader.
		recordBatchDropped(len(batch))
		b.logger.Warn().
			Int(log.FieldBatchSize, len(batch)).
			Msg("batch channel full, newest batch dropped")
	}
}

func (b *Batcher) worker(ctx context.Context, id int) {
	logger := b.logger.With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-b.batches:
			logger.Debug().Int(log.FieldBatchSize, len(batch)).Msg("processing batch")
			b.processBatch(ctx, batch)
		}
	}
}

// processBatch runs every record concurrently and waits for the batch.
func (b *Batcher) processBatch(ctx context.Context, batch []domain.StreamRecord) {
	var wg sync.WaitGroup
	for _, rec := range batch {
		wg.Add(1)
		go func(rec domain.StreamRecord) {
			defer wg.Done()
			// A panic loses only this record; the rest of the batch still
			// emits and acks.
			defer func() {
				if r := recover(); r != nil {
					recordProcessPanic()
					b.logger.Error().
						Str(log.FieldStreamID, rec.StreamID).
						Int64(log.FieldFrameNumber, rec.FrameNumber).
						Interface("panic", r).
						Msg("frame processing panicked")
				}
			}()
			b.processRecord(ctx, rec)
		}(rec)
	}
	wg.Wait()
}

func (b *Batcher) processRecord(ctx context.Context, rec domain.StreamRecord) {
	start := time.Now()
	visionCtx, cancel := context.WithTimeout(ctx, b.cfg.VisionTimeout)
	defer cancel()

	res := domain.StreamResult{
		StreamID:    rec.StreamID,
		FrameNumber: rec.FrameNumber,
		ClientID:    rec.ClientID,
		SessionID:   rec.SessionID,
		UserID:      rec.UserID,
	}

	analysis, err := b.vision.AnalyzeFrame(visionCtx, rec.Data, livePrompt)
	if err != nil {
		res.Error = err.Error()
		recordResult("error")
	} else {
		res.Analysis = analysis
		recordResult("ok")
	}
	res.ProcessedAt = time.Now().UTC()
	res.LatencyMS = time.Since(start).Milliseconds()
	observeProcess(time.Since(start))

	b.sink.HandleResult(ctx, res)

	if err := b.ack(ctx, rec); err != nil {
		b.logger.Warn().Err(err).
			Str(log.FieldStreamID, rec.StreamID).
			Int64(log.FieldFrameNumber, rec.FrameNumber).
			Msg("record ack failed")
	}
}

// Stats reports live batcher occupancy.
func (b *Batcher) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"pending":        len(b.pending),
		"queued_batches": len(b.batches),
		"workers":        b.cfg.Workers,
	}
}
