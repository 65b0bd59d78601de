package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/ManuGH/videoagent/internal/domain"
)

// AggregationMode folds per-frame embeddings into one video or scene vector.
type AggregationMode string

// Aggregation modes.
const (
	// AggregateMean is the elementwise arithmetic mean (default).
	AggregateMean AggregationMode = "mean"
	// AggregateMax is the elementwise maximum.
	AggregateMax AggregationMode = "max"
	// AggregateAttention is a weighted sum with weights taken from
	// normalised frame confidences; all-zero weights fall back to uniform.
	AggregateAttention AggregationMode = "attention"
)

// IsValid checks whether the mode is one of the defined constants.
func (m AggregationMode) IsValid() bool {
	switch m {
	case AggregateMean, AggregateMax, AggregateAttention:
		return true
	default:
		return false
	}
}

// Aggregate folds vectors into a single one. weights is consulted only by
// the attention mode and may be nil otherwise; when given it must be
// index-aligned with vectors.
func Aggregate(vectors [][]float32, weights []float64, mode AggregationMode) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("aggregate: no vectors")
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("aggregate: vector %d has %d dims, want %d", i, len(v), dim)
		}
	}

	out := make([]float32, dim)
	switch mode {
	case "", AggregateMean:
		for _, v := range vectors {
			for i, f := range v {
				out[i] += f
			}
		}
		n := float32(len(vectors))
		for i := range out {
			out[i] /= n
		}
	case AggregateMax:
		copy(out, vectors[0])
		for _, v := range vectors[1:] {
			for i, f := range v {
				if f > out[i] {
					out[i] = f
				}
			}
		}
	case AggregateAttention:
		if len(weights) != len(vectors) {
			return nil, fmt.Errorf("aggregate: %d weights for %d vectors", len(weights), len(vectors))
		}
		var sum float64
		for _, w := range weights {
			if w > 0 {
				sum += w
			}
		}
		uniform := 1 / float64(len(vectors))
		for j, v := range vectors {
			w := uniform
			if sum > 0 {
				if weights[j] > 0 {
					w = weights[j] / sum
				} else {
					w = 0
				}
			}
			for i, f := range v {
				out[i] += float32(w * float64(f))
			}
		}
	default:
		return nil, fmt.Errorf("aggregate: unknown mode %q", mode)
	}
	return out, nil
}

// ContentHash is the SHA-256 of the little-endian IEEE-754 byte image of
// the vector. Two videos whose aggregated embeddings are bitwise equal hash
// equally regardless of platform.
func ContentHash(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// frameWeights extracts attention weights (vision confidences) for the
// frames that carry an embedding.
func frameWeights(frames []domain.Frame) ([][]float32, []float64) {
	vectors := make([][]float32, 0, len(frames))
	weights := make([]float64, 0, len(frames))
	for _, f := range frames {
		if len(f.Embedding) == 0 {
			continue
		}
		vectors = append(vectors, f.Embedding)
		weights = append(weights, f.Analysis.Confidence)
	}
	return vectors, weights
}
