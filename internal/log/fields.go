// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldStreamID  = "stream_id"
	FieldUserID    = "user_id"
	FieldWorkerID  = "worker_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldAttempt   = "attempt"
	FieldOutcome   = "outcome"

	// Realtime / stream fields
	FieldNamespace   = "namespace"
	FieldTopic       = "topic"
	FieldFrameNumber = "frame_number"
	FieldBatchSize   = "batch_size"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Media fields
	FieldCodec    = "codec"
	FieldDuration = "duration"
	FieldPath     = "path"

	// Index fields
	FieldCollection = "collection"
)
