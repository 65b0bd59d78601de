package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// ErrEmpty is returned by Claim when nothing is ready to run.
var ErrEmpty = errors.New("queue: no job ready")

// ErrLeaseLost is returned when a heartbeat finds the lease gone or owned by
// another worker. The holder must stop working on the job immediately.
var ErrLeaseLost = errors.New("queue: lease lost")

// Claim attempts to take the highest-priority ready job. Due delayed jobs
// are promoted first, then the head of the waiting set is leased to workerID
// for cfg.LeaseTTL. Returns ErrEmpty when the queue is paused or drained.
func (q *Queue) Claim(ctx context.Context, workerID string) (*JobStatus, error) {
	paused, err := q.isPaused(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: check paused: %w", err)
	}
	if paused {
		return nil, ErrEmpty
	}

	res, err := claimScript.Run(ctx, q.client,
		[]string{q.key("waiting"), q.key("delayed"), q.key("active")},
		q.nowMS(), q.jobKeyPrefix(), q.leaseKeyPrefix(), workerID,
		q.cfg.LeaseTTL.Milliseconds(), maxPromotePerClaim,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if len(res) == 0 {
		return nil, ErrEmpty
	}

	// Promotions happened inside the script; announce them here.
	for _, id := range res[1:] {
		q.publishJobEvent(ctx, domain.JobEvent{
			JobID:     id,
			OldState:  domain.JobStateDelayed,
			State:     domain.JobStateWaiting,
			Timestamp: q.nowFn(),
		})
	}

	id := res[0]
	if id == "" {
		return nil, ErrEmpty
	}

	st, err := q.Status(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue: load claimed job %s: %w", id, err)
	}
	recordClaimed()
	q.publishJobEvent(ctx, domain.JobEvent{
		JobID:     id,
		OldState:  domain.JobStateWaiting,
		State:     domain.JobStateActive,
		Attempt:   st.Attempts,
		Timestamp: q.nowFn(),
	})
	q.logger.Info().
		Str(log.FieldJobID, id).
		Str(log.FieldWorkerID, workerID).
		Int(log.FieldAttempt, st.Attempts).
		Msg("job claimed")
	return st, nil
}

// Next blocks until a job can be claimed or ctx is done. Polling backs off
// to 4x the claim interval with jitter while the queue is idle.
func (q *Queue) Next(ctx context.Context, workerID string) (*JobStatus, error) {
	wait := q.cfg.ClaimInterval
	for {
		st, err := q.Claim(ctx, workerID)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}
		jitter := time.Duration(rand.Int63n(int64(q.cfg.ClaimInterval))) // #nosec G404 -- poll jitter only
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait + jitter):
		}
		if wait < 4*q.cfg.ClaimInterval {
			wait += q.cfg.ClaimInterval
		}
	}
}

// Heartbeat renews the lease once. ErrLeaseLost means another worker (or the
// reaper) took the job away.
func (q *Queue) Heartbeat(ctx context.Context, id, workerID string) error {
	ok, err := heartbeatScript.Run(ctx, q.client,
		[]string{q.leaseKey(id)},
		workerID, q.cfg.LeaseTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("queue: heartbeat %s: %w", id, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// KeepAlive renews the lease every cfg.HeartbeatEvery until ctx is done.
// It returns nil on ctx cancellation and ErrLeaseLost when the lease slips.
func (q *Queue) KeepAlive(ctx context.Context, id, workerID string) error {
	t := time.NewTicker(q.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := q.Heartbeat(ctx, id, workerID); err != nil {
				if errors.Is(err, ErrLeaseLost) {
					return err
				}
				// Transient Redis trouble: keep trying while the lease
				// TTL still has headroom.
				q.logger.Warn().Err(err).Str(log.FieldJobID, id).Msg("heartbeat failed")
			}
		}
	}
}

// Ack resolves an active job. Completed jobs become terminal with the given
// result. Failed and timed-out jobs retry with exponential backoff until
// attempts are exhausted, then fail terminally. Cancelled acks are terminal.
func (q *Queue) Ack(ctx context.Context, id string, outcome Outcome, result json.RawMessage, jobErr *domain.JobError) error {
	switch outcome {
	case OutcomeCompleted:
		return q.ackCompleted(ctx, id, result)
	case OutcomeFailed, OutcomeTimeout:
		if jobErr == nil {
			jobErr = &domain.JobError{Code: string(outcome), Message: "job " + string(outcome)}
		}
		return q.ackFailed(ctx, id, outcome, jobErr, false)
	case OutcomeCancelled:
		return q.ackCancelled(ctx, id)
	default:
		return fmt.Errorf("queue: unknown outcome %q", outcome)
	}
}

func (q *Queue) ackCompleted(ctx context.Context, id string, result json.RawMessage) error {
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("completed")},
		id, q.jobKeyPrefix(), q.leaseKeyPrefix(), q.nowMS(),
		q.cfg.KeepCompleted, string(result),
	).Int()
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", id, err)
	}
	if ok == 0 {
		return fmt.Errorf("queue: complete %s: %w", id, ErrLeaseLost)
	}
	recordFinished(OutcomeCompleted, false)
	q.publishProgress(ctx, domain.ProgressUpdate{
		JobID: id, Progress: 100, Stage: "finalize", Timestamp: q.nowFn(),
	})
	q.publishJobEvent(ctx, domain.JobEvent{
		JobID:     id,
		OldState:  domain.JobStateActive,
		State:     domain.JobStateCompleted,
		Timestamp: q.nowFn(),
	})
	q.logger.Info().Str(log.FieldJobID, id).Str(log.FieldOutcome, "completed").Msg("job finished")
	return nil
}

// FailPermanently resolves an active job as terminally failed without
// consuming its remaining retries. Used for validation errors and permanent
// collaborator failures, which cannot succeed on a later attempt.
func (q *Queue) FailPermanently(ctx context.Context, id string, jobErr *domain.JobError) error {
	if jobErr == nil {
		jobErr = &domain.JobError{Code: "failed", Message: "job failed"}
	}
	return q.ackFailed(ctx, id, OutcomeFailed, jobErr, true)
}

func (q *Queue) ackFailed(ctx context.Context, id string, outcome Outcome, jobErr *domain.JobError, force bool) error {
	raw, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("queue: encode error for %s: %w", id, err)
	}
	forceFlag := "0"
	if force {
		forceFlag = "1"
	}
	res, err := retryOrFailScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("delayed"), q.key("failed")},
		id, q.jobKeyPrefix(), q.leaseKeyPrefix(), q.nowMS(),
		q.cfg.KeepFailed, string(raw), forceFlag,
	).StringSlice()
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", id, err)
	}
	if len(res) == 0 || res[0] == "noop" {
		return fmt.Errorf("queue: fail %s: %w", id, ErrLeaseLost)
	}

	ev := domain.JobEvent{
		JobID:     id,
		OldState:  domain.JobStateActive,
		Error:     jobErr,
		Timestamp: q.nowFn(),
	}
	if res[0] == "delayed" {
		ev.State = domain.JobStateDelayed
		recordFinished(outcome, true)
	} else {
		ev.State = domain.JobStateFailed
		recordFinished(outcome, false)
	}
	q.publishJobEvent(ctx, ev)
	q.logger.Warn().
		Str(log.FieldJobID, id).
		Str(log.FieldOutcome, string(outcome)).
		Str(log.FieldNewState, string(ev.State)).
		Str("error_code", jobErr.Code).
		Msg("job finished")
	return nil
}

func (q *Queue) ackCancelled(ctx context.Context, id string) error {
	ok, err := markCancelledScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("cancelled")},
		id, q.jobKeyPrefix(), q.leaseKeyPrefix(), q.nowMS(), q.cfg.KeepFailed,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: mark cancelled %s: %w", id, err)
	}
	if ok == 0 {
		return fmt.Errorf("queue: mark cancelled %s: %w", id, ErrLeaseLost)
	}
	recordCancelled("active")
	q.publishJobEvent(ctx, domain.JobEvent{
		JobID:     id,
		OldState:  domain.JobStateActive,
		State:     domain.JobStateCancelled,
		Timestamp: q.nowFn(),
	})
	q.logger.Info().Str(log.FieldJobID, id).Str(log.FieldOutcome, "cancelled").Msg("job finished")
	return nil
}

// CancelRequested reports whether cancellation was flagged for an active
// job. Workers poll this as a fallback for missed pub/sub notifications.
func (q *Queue) CancelRequested(ctx context.Context, id string) (bool, error) {
	v, err := q.client.HGet(ctx, q.jobKey(id), "cancel_requested").Result()
	if err != nil {
		if isRedisNil(err) {
			return false, nil
		}
		return false, err
	}
	return v == "1", nil
}

// CancelFeed delivers the ids of active jobs whose cancellation was
// requested. The channel closes when ctx ends or stop is called.
func (q *Queue) CancelFeed(ctx context.Context) (<-chan string, func(), error) {
	ps := q.client.Subscribe(ctx, q.cancelChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("queue: subscribe cancel feed: %w", err)
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					q.logger.Warn().Str(log.FieldJobID, msg.Payload).Msg("cancel feed full, dropping")
				}
			}
		}
	}()
	stop := func() { _ = ps.Close() }
	return out, stop, nil
}

// Reap sweeps the active set once, rescheduling jobs whose lease expired.
// Jobs out of attempts fail terminally with a stalled error.
func (q *Queue) Reap(ctx context.Context) error {
	res, err := requeueStalledScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("delayed"), q.key("failed")},
		q.jobKeyPrefix(), q.leaseKeyPrefix(), q.nowMS(), q.cfg.KeepFailed,
	).StringSlice()
	if err != nil {
		return fmt.Errorf("queue: reap: %w", err)
	}
	for _, entry := range res {
		rawState, id, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		state := domain.JobState(rawState)
		recordStalled()
		ev := domain.JobEvent{
			JobID:     id,
			OldState:  domain.JobStateActive,
			State:     state,
			Timestamp: q.nowFn(),
		}
		if state == domain.JobStateFailed {
			ev.Error = &domain.JobError{Code: "stalled", Message: "worker lease expired"}
		}
		q.publishJobEvent(ctx, ev)
		q.logger.Warn().
			Str(log.FieldJobID, id).
			Str(log.FieldNewState, string(state)).
			Msg("stalled job reaped")
	}
	return nil
}

// RunMaintenance reaps stalled jobs on a ticker until ctx is done. Meant to
// run once per process next to the worker pool.
func (q *Queue) RunMaintenance(ctx context.Context) error {
	t := time.NewTicker(q.cfg.ReaperInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := q.Reap(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error().Err(err).Msg("reap pass failed")
			}
		}
	}
}
