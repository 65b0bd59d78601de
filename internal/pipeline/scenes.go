package pipeline

import (
	"math"

	"github.com/ManuGH/videoagent/internal/domain"
)

// SegmentParams bound one segmentation pass. A boundary is declared where
// the cosine similarity between adjacent frame embeddings drops below
// Threshold, provided the current segment already spans MinLen frames;
// MaxLen forces a split regardless of similarity (0 disables the cap).
type SegmentParams struct {
	Threshold float64
	MinLen    int
	MaxLen    int
}

// DefaultSceneParams segments scenes: threshold 0.7, 30–900 frames.
func DefaultSceneParams() SegmentParams {
	return SegmentParams{Threshold: 0.7, MinLen: 30, MaxLen: 900}
}

// DefaultShotParams segments shots inside one scene: threshold 0.85,
// minimum 5 frames, no maximum.
func DefaultShotParams() SegmentParams {
	return SegmentParams{Threshold: 0.85, MinLen: 5}
}

// Cosine returns the cosine similarity of two equal-length vectors,
// in [-1, 1]. A zero vector yields 0.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Boundaries returns segment start indices over the embedding sequence.
// The first boundary is always 0; each segment is [b_i, b_{i+1}) and the
// last segment is closed by len(vectors). A similarity drop inside the
// MinLen window does not split; it is absorbed into the current segment.
func Boundaries(vectors [][]float32, p SegmentParams) []int {
	if len(vectors) == 0 {
		return nil
	}
	bounds := []int{0}
	segStart := 0
	for i := 1; i < len(vectors); i++ {
		runLen := i - segStart
		if p.MaxLen > 0 && runLen >= p.MaxLen {
			bounds = append(bounds, i)
			segStart = i
			continue
		}
		if runLen >= p.MinLen && Cosine(vectors[i-1], vectors[i]) < p.Threshold {
			bounds = append(bounds, i)
			segStart = i
		}
	}
	return bounds
}

// shotsWithin segments [start, end) of the embedding sequence into shots.
// Returned frame numbers are absolute, not scene-relative.
func shotsWithin(vectors [][]float32, start, end int, p SegmentParams) []domain.Shot {
	if start >= end {
		return nil
	}
	rel := Boundaries(vectors[start:end], p)
	shots := make([]domain.Shot, 0, len(rel))
	for i, b := range rel {
		shot := domain.Shot{StartFrame: start + b, EndFrame: end}
		if i+1 < len(rel) {
			shot.EndFrame = start + rel[i+1]
		}
		shots = append(shots, shot)
	}
	return shots
}
