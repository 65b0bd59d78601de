package domain

import "fmt"

// VectorDim is the only embedding dimensionality accepted anywhere in the
// system. Every vector written to the similarity index is checked against it.
const VectorDim = 1024

// ErrBadDimension is returned when a vector does not have VectorDim entries.
var ErrBadDimension = fmt.Errorf("embedding must have exactly %d dimensions", VectorDim)

// ValidateVector enforces the fixed embedding dimensionality.
func ValidateVector(v []float32) error {
	if len(v) != VectorDim {
		return fmt.Errorf("%w (got %d)", ErrBadDimension, len(v))
	}
	return nil
}

// VideoEmbedding is the aggregated whole-video vector plus its searchable payload.
type VideoEmbedding struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SceneEmbedding is one scene's aggregated vector plus its searchable payload.
// The payload always carries "video_id" so scenes can be cascaded on delete.
type SceneEmbedding struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// VideoID returns the owning video id recorded in the payload, if any.
func (s SceneEmbedding) VideoID() string {
	if s.Payload == nil {
		return ""
	}
	if v, ok := s.Payload["video_id"].(string); ok {
		return v
	}
	return ""
}
