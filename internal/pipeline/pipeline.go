// SPDX-License-Identifier: MIT

// Package pipeline runs the per-job stage graph: prepare → validate →
// metadata → frames → audio → scenes → classify → summarize → persist.
// A pool of workers claims jobs from the queue; the pool size follows queue
// depth between configured bounds.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/bus"
	"github.com/ManuGH/videoagent/internal/cache"
	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/download"
	"github.com/ManuGH/videoagent/internal/log"
	"github.com/ManuGH/videoagent/internal/media"
	"github.com/ManuGH/videoagent/internal/model"
	"github.com/ManuGH/videoagent/internal/queue"
	"github.com/ManuGH/videoagent/internal/store"
)

// VectorIndex is the slice of the similarity index the persist stage needs.
type VectorIndex interface {
	UpsertVideo(ctx context.Context, emb domain.VideoEmbedding) error
	UpsertScenesBatch(ctx context.Context, embs []domain.SceneEmbedding) error
}

// Config tunes the orchestrator. Zero values fall back to the defaults.
type Config struct {
	// MinWorkers / MaxWorkers bound the autoscaled pool.
	MinWorkers int
	MaxWorkers int

	// FrameConcurrency caps parallel vision calls within one job.
	FrameConcurrency int

	// JobTimeout bounds one whole job run. A per-job enqueue timeout
	// overrides it; transcription-heavy jobs raise it at enqueue.
	JobTimeout time.Duration

	// PollInterval is the idle claim poll base; backs off to 4x.
	PollInterval time.Duration

	// ScaleInterval is how often the pool is resized toward queue depth.
	ScaleInterval time.Duration

	// DrainWindow is how long an in-flight job keeps running after the
	// process context ends. Jobs that finish inside the window ack
	// normally; the rest stay leased for the reaper.
	DrainWindow time.Duration

	// DataDir holds per-job scratch directories.
	DataDir string

	// Aggregation folds frame embeddings into video and scene vectors.
	Aggregation AggregationMode
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 2
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = 10
		if c.MaxWorkers < c.MinWorkers {
			c.MaxWorkers = c.MinWorkers
		}
	}
	if c.FrameConcurrency <= 0 {
		c.FrameConcurrency = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 300 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 15 * time.Second
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = 30 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(os.TempDir(), "videoagent")
	}
	if c.Aggregation == "" {
		c.Aggregation = AggregateMean
	}
	return c
}

// Deps are the collaborators one orchestrator drives.
type Deps struct {
	Queue     *queue.Queue
	Bus       bus.Bus
	Index     VectorIndex
	Store     store.Store
	Decoder   media.Decoder
	Models    model.Service
	Cache     cache.Cacher
	Downloads *download.Downloader
}

// Orchestrator claims jobs and runs them through the stage graph.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	nowFn  func() time.Time

	live   atomic.Int32 // running workers
	target atomic.Int32 // desired workers

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // in-flight jobs by id
}

// New validates the wiring and returns an orchestrator. Cache may be nil
// (embeddings are recomputed every time); everything else is required.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Queue == nil || deps.Bus == nil || deps.Index == nil ||
		deps.Store == nil || deps.Decoder == nil || deps.Models == nil {
		return nil, fmt.Errorf("pipeline: queue, bus, index, store, decoder and models are required")
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewNoop()
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("pipeline: create data dir: %w", err)
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  log.WithComponent("pipeline"),
		nowFn:   time.Now,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Run supervises the worker pool until ctx ends. Pool size tracks queue
// depth between MinWorkers and MaxWorkers; cancellation requests from the
// queue reach the owning worker through the per-job context.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	spawn := func(n int) {
		for i := 0; i < n; i++ {
			o.live.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.worker(ctx)
			}()
		}
	}

	o.target.Store(int32(o.cfg.MinWorkers))
	spawn(o.cfg.MinWorkers)
	setWorkers(int(o.live.Load()))

	cancels, stopFeed, err := o.deps.Queue.CancelFeed(ctx)
	if err != nil {
		// Workers still poll CancelRequested between stages.
		o.logger.Warn().Err(err).Msg("cancel feed unavailable, relying on polling")
		ch := make(chan string)
		cancels, stopFeed = ch, func() {}
	}
	defer stopFeed()

	ticker := time.NewTicker(o.cfg.ScaleInterval)
	defer ticker.Stop()

	o.logger.Info().
		Int("min_workers", o.cfg.MinWorkers).
		Int("max_workers", o.cfg.MaxWorkers).
		Msg("orchestrator started")

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			setWorkers(0)
			o.logger.Info().Msg("orchestrator stopped")
			return ctx.Err()
		case id, ok := <-cancels:
			if ok {
				o.cancelJob(id)
			}
		case <-ticker.C:
			o.resize(ctx, spawn)
		}
	}
}

// resize moves the pool toward one worker per waiting job, clamped to the
// configured bounds. Growth is immediate; shrink happens as busy workers
// finish their current job and retire.
func (o *Orchestrator) resize(ctx context.Context, spawn func(int)) {
	m, err := o.deps.Queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn().Err(err).Msg("queue stats failed, keeping pool size")
		}
		return
	}
	desired := int(m.Waiting)
	if desired < o.cfg.MinWorkers {
		desired = o.cfg.MinWorkers
	}
	if desired > o.cfg.MaxWorkers {
		desired = o.cfg.MaxWorkers
	}
	o.target.Store(int32(desired))
	if grow := desired - int(o.live.Load()); grow > 0 {
		spawn(grow)
	}
	setWorkers(int(o.live.Load()))
}

// tryRetire atomically claims one surplus slot. The calling worker exits
// when it returns true.
func (o *Orchestrator) tryRetire() bool {
	for {
		live := o.live.Load()
		if live <= o.target.Load() || int(live) <= o.cfg.MinWorkers {
			return false
		}
		if o.live.CompareAndSwap(live, live-1) {
			setWorkers(int(live - 1))
			return true
		}
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	workerID := "worker-" + uuid.NewString()[:8]
	logger := o.logger.With().Str(log.FieldWorkerID, workerID).Logger()
	wait := o.cfg.PollInterval

	for {
		if ctx.Err() != nil {
			o.live.Add(-1)
			return
		}
		if o.tryRetire() {
			logger.Debug().Msg("worker retired")
			return
		}

		st, err := o.deps.Queue.Claim(ctx, workerID)
		switch {
		case err == nil:
			o.runJob(ctx, workerID, st, logger)
			wait = o.cfg.PollInterval
			continue
		case errors.Is(err, queue.ErrEmpty):
			// Idle; fall through to the backoff sleep.
		case ctx.Err() != nil:
			o.live.Add(-1)
			return
		default:
			logger.Warn().Err(err).Msg("claim failed")
		}

		jitter := time.Duration(rand.Int63n(int64(o.cfg.PollInterval))) // #nosec G404 -- poll jitter only
		select {
		case <-ctx.Done():
			o.live.Add(-1)
			return
		case <-time.After(wait + jitter):
		}
		if wait < 4*o.cfg.PollInterval {
			wait += o.cfg.PollInterval
		}
	}
}

func (o *Orchestrator) registerCancel(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) forgetCancel(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

// cancelJob aborts an in-flight job owned by this process. Unknown ids are
// normal: the job may run elsewhere or have finished already.
func (o *Orchestrator) cancelJob(id string) {
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if ok {
		o.logger.Info().Str(log.FieldJobID, id).Msg("cancelling in-flight job")
		cancel()
	}
}

// ResultSummary is the compact completion payload stored on the queue job.
// The full ProcessingResult lives in the job store.
type ResultSummary struct {
	JobID          string  `json:"jobId"`
	ContentHash    string  `json:"contentHash,omitempty"`
	FrameCount     int     `json:"frameCount"`
	SceneCount     int     `json:"sceneCount"`
	HasAudio       bool    `json:"hasAudio"`
	Category       string  `json:"category,omitempty"`
	Summary        string  `json:"summary,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

func (o *Orchestrator) runJob(ctx context.Context, workerID string, st *queue.JobStatus, logger zerolog.Logger) {
	logger = logger.With().Str(log.FieldJobID, st.ID).Logger()

	timeout := o.cfg.JobTimeout
	if st.Timeout > 0 {
		timeout = st.Timeout
	}

	// The job context outlives the worker context so shutdown drains
	// in-flight work instead of killing it mid-stage: a job that finishes
	// inside the drain window acks normally, one that does not is cut
	// loose and rescheduled by the reaper when its lease lapses.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	drained := make(chan struct{})
	defer close(drained)
	go func() {
		select {
		case <-drained:
		case <-ctx.Done():
			t := time.NewTimer(o.cfg.DrainWindow)
			defer t.Stop()
			select {
			case <-drained:
			case <-t.C:
				cancel()
			}
		}
	}()

	o.registerCancel(st.ID, cancel)
	defer o.forgetCancel(st.ID)

	// The heartbeat keeps the lease while stages run; a lost lease means
	// another worker may own the job, so this run must stop.
	go func() {
		if err := o.deps.Queue.KeepAlive(jobCtx, st.ID, workerID); err != nil {
			logger.Warn().Err(err).Msg("lease lost, aborting job")
			cancel()
		}
	}()

	started := o.nowFn()
	jr, runErr := o.process(jobCtx, st, logger)
	elapsed := time.Since(started)

	// Acks must survive shutdown and job-context cancellation.
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer ackCancel()

	switch kind := domain.Classify(runErr); {
	case runErr == nil:
		payload, err := json.Marshal(summaryOf(jr, elapsed))
		if err != nil {
			payload = nil
		}
		if err := o.deps.Queue.Ack(ackCtx, st.ID, queue.OutcomeCompleted, payload, nil); err != nil {
			logger.Error().Err(err).Msg("completion ack failed")
		}
		recordJob("completed")
		logger.Info().Dur(log.FieldDuration, elapsed).Msg("job completed")

	case kind == domain.FailureCancelled:
		if ctx.Err() != nil {
			// Shutdown, not a caller cancel: leave the job leased so the
			// reaper reschedules it on another worker.
			recordJob("interrupted")
			logger.Warn().Dur(log.FieldDuration, elapsed).Msg("job interrupted by shutdown, lease will lapse")
			return
		}
		if err := o.deps.Queue.Ack(ackCtx, st.ID, queue.OutcomeCancelled, nil, nil); err != nil {
			logger.Warn().Err(err).Msg("cancel ack failed")
		}
		recordJob("cancelled")
		logger.Info().Dur(log.FieldDuration, elapsed).Msg("job cancelled")

	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		if err := o.deps.Queue.Ack(ackCtx, st.ID, queue.OutcomeTimeout, nil, jobErrorFrom(runErr)); err != nil {
			logger.Warn().Err(err).Msg("timeout ack failed")
		}
		recordJob("timeout")
		logger.Warn().Dur(log.FieldDuration, elapsed).Err(runErr).Msg("job timed out")

	case kind == domain.FailureExternalTransient:
		if err := o.deps.Queue.Ack(ackCtx, st.ID, queue.OutcomeFailed, nil, jobErrorFrom(runErr)); err != nil {
			logger.Warn().Err(err).Msg("failure ack failed")
		}
		recordJob("failed")
		logger.Warn().Dur(log.FieldDuration, elapsed).Err(runErr).Msg("job failed, queue may retry")

	default:
		// Validation, permanent and internal failures repeat identically
		// on every attempt; skip the remaining retries.
		if err := o.deps.Queue.FailPermanently(ackCtx, st.ID, jobErrorFrom(runErr)); err != nil {
			logger.Warn().Err(err).Msg("permanent failure ack failed")
		}
		recordJob("failed_permanent")
		logger.Error().Dur(log.FieldDuration, elapsed).Err(runErr).Msg("job failed permanently")
	}
}

func summaryOf(jr *jobRun, elapsed time.Duration) ResultSummary {
	s := ResultSummary{JobID: jr.job.ID, ElapsedSeconds: elapsed.Seconds()}
	if jr.result == nil {
		return s
	}
	s.ContentHash = jr.contentHash
	s.FrameCount = len(jr.result.Frames)
	s.SceneCount = len(jr.result.Scenes)
	s.HasAudio = jr.result.Audio != nil
	s.Summary = jr.result.Summary
	if jr.result.Classification != nil {
		s.Category = jr.result.Classification.Category
	}
	return s
}

func jobErrorFrom(err error) *domain.JobError {
	var f *domain.Failure
	switch {
	case err == nil:
		return nil
	case errors.As(err, &f):
		return &domain.JobError{Code: f.Code, Message: f.Message}
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.JobError{Code: "timeout", Message: "job deadline exceeded"}
	}
	return &domain.JobError{Code: "pipeline_error", Message: err.Error()}
}
