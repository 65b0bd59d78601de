package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	env := NewJobEnvelope(JobEvent{
		JobID:     "job-1",
		OldState:  JobStateWaiting,
		State:     JobStateActive,
		Attempt:   1,
		Timestamp: now,
	})

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, EventKindJob, decoded.Kind)
	require.NotNil(t, decoded.Job)
	assert.Equal(t, "job-1", decoded.Job.JobID)
	assert.Equal(t, JobStateActive, decoded.Job.State)
	assert.Equal(t, now, decoded.Job.Timestamp)
	assert.Nil(t, decoded.Progress)
}

func TestEnvelopeRejectsUnknownKind(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"kind":"mystery","job":{"jobId":"x","state":"active","timestamp":"2026-01-01T00:00:00Z"}}`))
	require.Error(t, err)
}

func TestEnvelopeRejectsMismatchedPayload(t *testing.T) {
	env := Envelope{Kind: EventKindJob, Progress: &ProgressUpdate{JobID: "x"}}
	_, err := EncodeEnvelope(env)
	require.Error(t, err)
}

func TestEnvelopeRejectsMultiplePayloads(t *testing.T) {
	env := Envelope{
		Kind:     EventKindJob,
		Job:      &JobEvent{JobID: "x", State: JobStateActive},
		Progress: &ProgressUpdate{JobID: "x"},
	}
	require.Error(t, env.Validate())
}

func TestProgressiveStageConfidence(t *testing.T) {
	assert.Equal(t, 0.60, StagePartial.Confidence())
	assert.Equal(t, 0.85, StageRefined.Confidence())
	assert.Equal(t, 0.95, StageFinal.Confidence())
	assert.Equal(t, 0.0, ProgressiveStage("bogus").Confidence())
}

func TestResultEnvelope(t *testing.T) {
	env := NewResultEnvelope(ProgressiveResult{
		StreamID:    "s1",
		FrameNumber: 42,
		Stage:       StagePartial,
		Confidence:  StagePartial.Confidence(),
		Result: StreamResult{
			StreamID:    "s1",
			FrameNumber: 42,
			ClientID:    "c1",
			Analysis:    FrameAnalysis{Description: "a dog"},
		},
		Timestamp: time.Now(),
	})
	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Result)
	assert.Equal(t, int64(42), decoded.Result.FrameNumber)
	assert.Equal(t, StagePartial, decoded.Result.Stage)
	assert.Equal(t, "a dog", decoded.Result.Result.Analysis.Description)
}
