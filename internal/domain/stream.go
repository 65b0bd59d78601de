package domain

import "time"

// StreamRecord is one live frame read from a frames:<stream-id> append log.
type StreamRecord struct {
	StreamID    string    `json:"streamId"`
	RecordID    string    `json:"recordId"` // log entry id, used for ACK
	ClientID    string    `json:"clientId"`
	SessionID   string    `json:"sessionId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	FrameNumber int64     `json:"frameNumber"`
	Timestamp   int64     `json:"timestamp"` // producer clock, unix ms
	Data        []byte    `json:"-"`         // decoded frame bytes
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	Format      string    `json:"format,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Valid reports whether the record carries enough to be processed.
// Invalid records are acknowledged and dropped, never retried.
func (r StreamRecord) Valid() bool {
	return r.ClientID != "" && len(r.Data) > 0
}

// StreamResult is the per-frame outcome of live inference, keyed by
// (StreamID, FrameNumber). Cross-frame ordering is not guaranteed.
type StreamResult struct {
	StreamID    string        `json:"streamId"`
	FrameNumber int64         `json:"frameNumber"`
	ClientID    string        `json:"clientId"`
	SessionID   string        `json:"sessionId,omitempty"`
	UserID      string        `json:"userId,omitempty"`
	Analysis    FrameAnalysis `json:"analysis"`
	Error       string        `json:"error,omitempty"`
	ProcessedAt time.Time     `json:"processedAt"`
	LatencyMS   int64         `json:"latencyMs"`
}

// ProgressiveStage is one tier of the partial → refined → final protocol.
type ProgressiveStage string

// Progressive result stages.
const (
	StagePartial ProgressiveStage = "partial"
	StageRefined ProgressiveStage = "refined"
	StageFinal   ProgressiveStage = "final"
)

// Confidence returns the fixed confidence attached to this stage.
func (s ProgressiveStage) Confidence() float64 {
	switch s {
	case StagePartial:
		return 0.60
	case StageRefined:
		return 0.85
	case StageFinal:
		return 0.95
	default:
		return 0
	}
}

// IsValid checks whether the stage is one of the defined constants.
func (s ProgressiveStage) IsValid() bool {
	switch s {
	case StagePartial, StageRefined, StageFinal:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s ProgressiveStage) String() string { return string(s) }
