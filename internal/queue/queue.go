// SPDX-License-Identifier: MIT
// Package queue implements the Redis-backed job queue: priority scheduling,
// leases, retries with exponential backoff, cancellation and retention.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/bus"
	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// ErrNotFound is returned when a job id is unknown (never enqueued, or
// already evicted by retention).
var ErrNotFound = errors.New("queue: job not found")

// priorityStride spaces priority bands in the waiting zset score. Scores are
// priority*2^40+seq, which stays inside float64's exact integer range for
// any realistic sequence number.
const priorityStride = 1 << 40

// maxPromotePerClaim bounds how many due delayed jobs a single claim call
// moves back to waiting.
const maxPromotePerClaim = 128

// Config tunes queue behaviour. Zero values fall back to the defaults below.
type Config struct {
	// Prefix namespaces every queue key in Redis.
	Prefix string
	// LeaseTTL is how long a claimed job stays owned without a heartbeat.
	LeaseTTL time.Duration
	// HeartbeatEvery is the renewal interval workers use for held leases.
	HeartbeatEvery time.Duration
	// ReaperInterval is how often stalled active jobs are swept.
	ReaperInterval time.Duration
	// ClaimInterval is the base poll interval when the queue is empty.
	ClaimInterval time.Duration
	// KeepCompleted / KeepFailed bound the terminal-job history.
	KeepCompleted int
	KeepFailed    int
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "va:q:"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 10 * time.Second
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 15 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 250 * time.Millisecond
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 100
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 500
	}
	return c
}

// Options shape a single enqueue. The zero value means default priority,
// no delay, default retry policy.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     domain.BackoffPolicy
	Timeout     time.Duration
}

// Outcome is a worker's verdict when acking a claimed job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Metrics is a point-in-time census of the queue.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// Queue is the Redis-backed job queue. All methods are safe for concurrent
// use; a single Queue is shared by the API server and every worker.
type Queue struct {
	client redis.UniversalClient
	events bus.Bus
	cfg    Config
	logger zerolog.Logger
	nowFn  func() time.Time
}

// New wires a queue over an existing Redis client. The caller keeps
// ownership of the client and of the event bus.
func New(client redis.UniversalClient, events bus.Bus, cfg Config) *Queue {
	return &Queue{
		client: client,
		events: events,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("queue"),
		nowFn:  time.Now,
	}
}

func (q *Queue) key(name string) string  { return q.cfg.Prefix + name }
func (q *Queue) jobKey(id string) string { return q.cfg.Prefix + "job:" + id }
func (q *Queue) jobKeyPrefix() string    { return q.cfg.Prefix + "job:" }
func (q *Queue) leaseKey(id string) string {
	return q.cfg.Prefix + "lease:" + id
}
func (q *Queue) leaseKeyPrefix() string { return q.cfg.Prefix + "lease:" }

// cancelChannel carries cancellation requests for active jobs to whichever
// worker currently holds them.
func (q *Queue) cancelChannel() string { return q.cfg.Prefix + "cancel" }

func (q *Queue) nowMS() int64 { return q.nowFn().UnixMilli() }

// waitingScore orders the waiting zset: lower priority value first, FIFO
// within a band.
func waitingScore(priority int, seq int64) float64 {
	return float64(priority)*priorityStride + float64(seq)
}

// Enqueue validates and persists a job, placing it in waiting (or delayed
// when opts.Delay is set) and announcing the transition. It returns the
// generated job id.
func (q *Queue) Enqueue(ctx context.Context, data domain.JobData, opts Options) (string, error) {
	if err := data.Validate(); err != nil {
		return "", err
	}
	if opts.Priority == 0 {
		opts.Priority = domain.PriorityDefault
	}
	if err := domain.ValidatePriority(opts.Priority); err != nil {
		return "", err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = domain.DefaultMaxAttempts
	}
	backoffBase := opts.Backoff.Base
	if backoffBase <= 0 {
		backoffBase = domain.DefaultBackoff().Base
	}

	id := uuid.NewString()
	seq, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return "", fmt.Errorf("queue: allocate sequence: %w", err)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("queue: encode job data: %w", err)
	}

	now := q.nowMS()
	state := domain.JobStateWaiting
	fields := map[string]any{
		"data":            string(raw),
		"state":           string(state),
		"priority":        opts.Priority,
		"seq":             seq,
		"attempts":        0,
		"max_attempts":    opts.MaxAttempts,
		"progress":        0,
		"backoff_base_ms": backoffBase.Milliseconds(),
		"timeout_ms":      opts.Timeout.Milliseconds(),
		"enqueued_at":     now,
	}
	var readyAt int64
	if opts.Delay > 0 {
		state = domain.JobStateDelayed
		readyAt = now + opts.Delay.Milliseconds()
		fields["state"] = string(state)
		fields["delay_until"] = readyAt
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), fields)
	if state == domain.JobStateDelayed {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: id})
	} else {
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: waitingScore(opts.Priority, seq), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", id, err)
	}

	recordEnqueued(data.Origin)
	q.publishJobEvent(ctx, domain.JobEvent{
		JobID:     id,
		State:     state,
		Timestamp: q.nowFn(),
	})
	q.logger.Info().
		Str(log.FieldJobID, id).
		Str("origin", string(data.Origin)).
		Int("priority", opts.Priority).
		Dur("delay", opts.Delay).
		Msg("job enqueued")
	return id, nil
}

// JobStatus is the API-facing view of a job.
type JobStatus struct {
	ID          string               `json:"id"`
	Data        domain.JobData       `json:"data"`
	State       domain.JobState      `json:"state"`
	Priority    int                  `json:"priority"`
	Progress    int                  `json:"progress"`
	Attempts    int                  `json:"attempts"`
	MaxAttempts int                  `json:"maxAttempts"`
	EnqueuedAt  time.Time            `json:"enqueuedAt"`
	StartedAt   *time.Time           `json:"startedAt,omitempty"`
	FinishedAt  *time.Time           `json:"finishedAt,omitempty"`
	DelayUntil  *time.Time           `json:"delayUntil,omitempty"`
	Error       *domain.JobError     `json:"error,omitempty"`
	Result      json.RawMessage      `json:"result,omitempty"`
	Timeout     time.Duration        `json:"-"`
	Backoff     domain.BackoffPolicy `json:"-"`
}

// Status loads the current view of a job, or ErrNotFound.
func (q *Queue) Status(ctx context.Context, id string) (*JobStatus, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return statusFromHash(id, fields)
}

func statusFromHash(id string, fields map[string]string) (*JobStatus, error) {
	st := &JobStatus{ID: id}
	if raw, ok := fields["data"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Data); err != nil {
			return nil, fmt.Errorf("queue: decode job data for %s: %w", id, err)
		}
	}
	st.State = domain.JobState(fields["state"])
	st.Priority = atoiDefault(fields["priority"], domain.PriorityDefault)
	st.Progress = atoiDefault(fields["progress"], 0)
	st.Attempts = atoiDefault(fields["attempts"], 0)
	st.MaxAttempts = atoiDefault(fields["max_attempts"], domain.DefaultMaxAttempts)
	st.EnqueuedAt = msTime(fields["enqueued_at"])
	st.StartedAt = msTimePtr(fields["started_at"])
	st.FinishedAt = msTimePtr(fields["finished_at"])
	st.DelayUntil = msTimePtr(fields["delay_until"])
	st.Timeout = time.Duration(atoi64Default(fields["timeout_ms"], 0)) * time.Millisecond
	st.Backoff = domain.BackoffPolicy{
		Type: "exponential",
		Base: time.Duration(atoi64Default(fields["backoff_base_ms"], 5000)) * time.Millisecond,
	}
	if raw, ok := fields["error"]; ok && raw != "" {
		var je domain.JobError
		if err := json.Unmarshal([]byte(raw), &je); err == nil {
			st.Error = &je
		}
	}
	if raw, ok := fields["result"]; ok && raw != "" {
		st.Result = json.RawMessage(raw)
	}
	return st, nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func atoi64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func msTime(s string) time.Time {
	ms := atoi64Default(s, 0)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func msTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := msTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

// Cancel requests cancellation. Pending jobs (waiting or delayed) become
// cancelled immediately; active jobs get a cancellation flag plus a pub/sub
// nudge to the owning worker. Terminal jobs are left alone and Cancel
// reports false.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := cancelScript.Run(ctx, q.client,
		[]string{q.key("waiting"), q.key("delayed"), q.key("cancelled")},
		id, q.jobKeyPrefix(), q.nowMS(), q.cfg.KeepFailed,
	).StringSlice()
	if err != nil {
		return false, fmt.Errorf("queue: cancel %s: %w", id, err)
	}
	if len(res) == 0 {
		return false, fmt.Errorf("queue: cancel %s: empty reply", id)
	}
	switch res[0] {
	case "cancelled":
		recordCancelled("pending")
		q.publishJobEvent(ctx, domain.JobEvent{
			JobID:     id,
			OldState:  domain.JobState(res[1]),
			State:     domain.JobStateCancelled,
			Timestamp: q.nowFn(),
		})
		q.logger.Info().Str(log.FieldJobID, id).Str(log.FieldOldState, res[1]).Msg("job cancelled")
		return true, nil
	case "requested":
		if err := q.client.Publish(ctx, q.cancelChannel(), id).Err(); err != nil {
			return false, fmt.Errorf("queue: signal cancel %s: %w", id, err)
		}
		q.logger.Info().Str(log.FieldJobID, id).Msg("cancellation requested for active job")
		return true, nil
	case "missing":
		return false, ErrNotFound
	default: // terminal
		return false, nil
	}
}

// UpdateProgress raises a job's progress (never lowers it) and publishes the
// effective value. Safe to call with out-of-order percentages.
func (q *Queue) UpdateProgress(ctx context.Context, id string, pct int, stage, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	effective, err := progressScript.Run(ctx, q.client, []string{q.jobKey(id)}, pct).Int()
	if err != nil {
		return fmt.Errorf("queue: progress %s: %w", id, err)
	}
	q.publishProgress(ctx, domain.ProgressUpdate{
		JobID:     id,
		Progress:  effective,
		Stage:     stage,
		Message:   message,
		Timestamp: q.nowFn(),
	})
	return nil
}

// Pause stops claims without touching queued jobs; Resume lifts it.
func (q *Queue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.key("paused"), "1", 0).Err()
}

func (q *Queue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.key("paused")).Err()
}

func (q *Queue) isPaused(ctx context.Context) (bool, error) {
	_, err := q.client.Get(ctx, q.key("paused")).Result()
	if isRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func isRedisNil(err error) bool { return errors.Is(err, redis.Nil) }

// Stats counts jobs per state. While the queue is paused the backlog is
// reported under paused instead of waiting, so dashboards see at a glance
// that nothing will be claimed.
func (q *Queue) Stats(ctx context.Context) (Metrics, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.SCard(ctx, q.key("active"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	paused := pipe.Exists(ctx, q.key("paused"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Metrics{}, fmt.Errorf("queue: stats: %w", err)
	}
	m := Metrics{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	if paused.Val() > 0 {
		m.Paused = m.Waiting
		m.Waiting = 0
	}
	updateGauges(m)
	return m, nil
}

func (q *Queue) publishJobEvent(ctx context.Context, ev domain.JobEvent) {
	// Every transition goes to the per-job topic and the global jobs feed;
	// pattern subscriptions match a fixed segment count, so "jobs"
	// subscribers never see "jobs:<id>" traffic.
	env := domain.NewJobEnvelope(ev)
	if err := q.events.Publish(ctx, bus.TopicJob(ev.JobID), env); err != nil {
		q.logger.Warn().Err(err).Str(log.FieldJobID, ev.JobID).Msg("job event publish failed")
	}
	if err := q.events.Publish(ctx, bus.TopicJobs, env); err != nil {
		q.logger.Warn().Err(err).Str(log.FieldJobID, ev.JobID).Msg("global job event publish failed")
	}
}

func (q *Queue) publishProgress(ctx context.Context, up domain.ProgressUpdate) {
	if err := q.events.Publish(ctx, bus.TopicProgress(up.JobID), domain.NewProgressEnvelope(up)); err != nil {
		q.logger.Warn().Err(err).Str(log.FieldJobID, up.JobID).Msg("progress publish failed")
	}
}
