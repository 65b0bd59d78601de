// SPDX-License-Identifier: MIT

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind discriminates the envelope's payload.
type EventKind string

// Event kinds carried on the bus.
const (
	EventKindJob      EventKind = "job"
	EventKindProgress EventKind = "progress"
	EventKindFrame    EventKind = "frame"
	EventKindScene    EventKind = "scene"
	EventKindResult   EventKind = "result"
)

// JobEvent announces a job state transition on jobs and jobs:<id>.
type JobEvent struct {
	JobID     string    `json:"jobId"`
	OldState  JobState  `json:"oldState,omitempty"`
	State     JobState  `json:"state"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     *JobError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressUpdate announces stage progress on progress:<id>.
type ProgressUpdate struct {
	JobID     string    `json:"jobId"`
	Progress  int       `json:"progress"` // 0–100, non-decreasing
	Stage     string    `json:"stage"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FrameEvent announces a processed frame on frames:<id>.
type FrameEvent struct {
	JobID       string  `json:"jobId"`
	FrameNumber int     `json:"frameNumber"`
	PTS         float64 `json:"pts"`
	Description string  `json:"description,omitempty"`
	ObjectCount int     `json:"objectCount,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SceneEvent announces a detected scene on scenes:<id>.
type SceneEvent struct {
	JobID           string    `json:"jobId"`
	Index           int       `json:"index"`
	StartFrame      int       `json:"startFrame"`
	EndFrame        int       `json:"endFrame"`
	DurationSeconds float64   `json:"durationSeconds"`
	ShotCount       int       `json:"shotCount,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ProgressiveResult is one emission of the partial/refined/final protocol,
// published on results:<stage>.
type ProgressiveResult struct {
	StreamID         string           `json:"streamId"`
	FrameNumber      int64            `json:"frameNumber"`
	Stage            ProgressiveStage `json:"stage"`
	Confidence       float64          `json:"confidence"`
	Result           StreamResult     `json:"result"`
	RefinementTimeMS int64            `json:"refinement_time_ms,omitempty"`
	TotalTimeMS      int64            `json:"total_time_ms,omitempty"`
	EnrichedData     map[string]any   `json:"enrichedData,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Envelope is the tagged union carried as every bus payload. Exactly one
// pointer matching Kind is set.
type Envelope struct {
	Kind     EventKind          `json:"kind"`
	Job      *JobEvent          `json:"job,omitempty"`
	Progress *ProgressUpdate    `json:"progress,omitempty"`
	Frame    *FrameEvent        `json:"frame,omitempty"`
	Scene    *SceneEvent        `json:"scene,omitempty"`
	Result   *ProgressiveResult `json:"result,omitempty"`
}

// NewJobEnvelope wraps a JobEvent.
func NewJobEnvelope(e JobEvent) Envelope {
	return Envelope{Kind: EventKindJob, Job: &e}
}

// NewProgressEnvelope wraps a ProgressUpdate.
func NewProgressEnvelope(e ProgressUpdate) Envelope {
	return Envelope{Kind: EventKindProgress, Progress: &e}
}

// NewFrameEnvelope wraps a FrameEvent.
func NewFrameEnvelope(e FrameEvent) Envelope {
	return Envelope{Kind: EventKindFrame, Frame: &e}
}

// NewSceneEnvelope wraps a SceneEvent.
func NewSceneEnvelope(e SceneEvent) Envelope {
	return Envelope{Kind: EventKindScene, Scene: &e}
}

// NewResultEnvelope wraps a ProgressiveResult.
func NewResultEnvelope(e ProgressiveResult) Envelope {
	return Envelope{Kind: EventKindResult, Result: &e}
}

// Validate checks that exactly the payload matching Kind is present.
func (e Envelope) Validate() error {
	var want, got int
	set := func(p bool) {
		if p {
			got++
		}
	}
	set(e.Job != nil)
	set(e.Progress != nil)
	set(e.Frame != nil)
	set(e.Scene != nil)
	set(e.Result != nil)
	want = 1
	if got != want {
		return fmt.Errorf("envelope must carry exactly one payload, has %d", got)
	}
	switch e.Kind {
	case EventKindJob:
		if e.Job == nil {
			return fmt.Errorf("kind %q without job payload", e.Kind)
		}
	case EventKindProgress:
		if e.Progress == nil {
			return fmt.Errorf("kind %q without progress payload", e.Kind)
		}
	case EventKindFrame:
		if e.Frame == nil {
			return fmt.Errorf("kind %q without frame payload", e.Kind)
		}
	case EventKindScene:
		if e.Scene == nil {
			return fmt.Errorf("kind %q without scene payload", e.Kind)
		}
	case EventKindResult:
		if e.Result == nil {
			return fmt.Errorf("kind %q without result payload", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// EncodeEnvelope marshals a validated envelope.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope unmarshals and validates an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
