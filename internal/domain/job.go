// SPDX-License-Identifier: MIT

// Package domain provides the shared types of the video-analysis pipeline:
// jobs, frames, scenes, embeddings, stream records and the event envelope
// exchanged over the bus.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState represents the lifecycle state of an analysis job.
type JobState string

// Job lifecycle states.
const (
	// JobStateWaiting indicates the job is queued and eligible for claim.
	JobStateWaiting JobState = "waiting"

	// JobStateDelayed indicates the job becomes eligible at a later instant,
	// either by explicit delay or by retry backoff.
	JobStateDelayed JobState = "delayed"

	// JobStateActive indicates a worker has claimed the job.
	JobStateActive JobState = "active"

	// JobStateCompleted indicates the job finished successfully.
	JobStateCompleted JobState = "completed"

	// JobStateFailed indicates the job terminated with an error and no
	// attempts remain.
	JobStateFailed JobState = "failed"

	// JobStateCancelled indicates the job was cancelled by the caller.
	JobStateCancelled JobState = "cancelled"
)

// String implements fmt.Stringer.
func (s JobState) String() string {
	return string(s)
}

// IsValid checks whether the state is one of the defined constants.
func (s JobState) IsValid() bool {
	switch s {
	case JobStateWaiting, JobStateDelayed, JobStateActive,
		JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the state is final. Terminal jobs are immutable.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this state may transition to target.
//
// Valid transitions:
//   - waiting → active, cancelled
//   - delayed → waiting, cancelled
//   - active  → completed, failed, cancelled, delayed (retry), waiting (stalled reclaim)
//   - terminal states cannot transition
func (s JobState) CanTransitionTo(target JobState) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case JobStateWaiting:
		return target == JobStateActive || target == JobStateCancelled
	case JobStateDelayed:
		return target == JobStateWaiting || target == JobStateCancelled
	case JobStateActive:
		switch target {
		case JobStateCompleted, JobStateFailed, JobStateCancelled,
			JobStateDelayed, JobStateWaiting:
			return true
		}
		return false
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := JobState(str)
	if !state.IsValid() {
		return fmt.Errorf("invalid job state: %q", str)
	}
	*s = state
	return nil
}

// Origin identifies where a job's video reference points.
type Origin string

// Video origins.
const (
	OriginURL        Origin = "url"
	OriginDrive      Origin = "drive"
	OriginUpload     Origin = "upload"
	OriginLiveStream Origin = "live-stream"
)

// IsValid checks whether the origin is one of the defined constants.
func (o Origin) IsValid() bool {
	switch o {
	case OriginURL, OriginDrive, OriginUpload, OriginLiveStream:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (o Origin) String() string { return string(o) }

// BackoffPolicy describes how retry delays grow between attempts.
type BackoffPolicy struct {
	// Type is the growth function; only "exponential" is supported.
	Type string `json:"type"`
	// Base is the delay before the first retry; attempt n waits Base·2^(n-1).
	Base time.Duration `json:"base"`
}

// DefaultBackoff returns the standard exponential policy with a 5s base.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Type: "exponential", Base: 5 * time.Second}
}

// Delay returns the wait before retrying after the given attempt (1-based).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	return base << uint(attempt-1)
}

// JobError is the user-visible failure attached to a terminal failed job.
type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// JobData is the caller-supplied description of what to analyse.
type JobData struct {
	Origin    Origin            `json:"origin"`
	Reference string            `json:"reference"`
	UserID    string            `json:"userId"`
	SessionID string            `json:"sessionId,omitempty"`
	Options   ProcessingOptions `json:"options"`
}

// Job is the queue's view of one unit of work.
type Job struct {
	ID          string        `json:"id"`
	Data        JobData       `json:"data"`
	Priority    int           `json:"priority"`
	DelayUntil  *time.Time    `json:"delayUntil,omitempty"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     BackoffPolicy `json:"backoff"`
	State       JobState      `json:"state"`
	Progress    int           `json:"progress"`
	EnqueuedAt  time.Time     `json:"enqueuedAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	FinishedAt  *time.Time    `json:"finishedAt,omitempty"`
	Error       *JobError     `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Priority bounds; 1 is the highest priority, 10 the lowest.
const (
	PriorityHighest = 1
	PriorityLowest  = 10
	PriorityDefault = 5
)

// DefaultMaxAttempts bounds retries when the caller does not override it.
const DefaultMaxAttempts = 3

// ValidatePriority checks the 1–10 priority range.
func ValidatePriority(p int) error {
	if p < PriorityHighest || p > PriorityLowest {
		return fmt.Errorf("priority %d out of range [%d,%d]", p, PriorityHighest, PriorityLowest)
	}
	return nil
}
