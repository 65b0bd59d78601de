package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/model"
)

func TestAggregateMean(t *testing.T) {
	vectors := [][]float32{{1, 2}, {3, 4}}

	got, err := Aggregate(vectors, nil, AggregateMean)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3}, got)

	// Empty mode means mean.
	got, err = Aggregate(vectors, nil, "")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3}, got)
}

func TestAggregateMax(t *testing.T) {
	got, err := Aggregate([][]float32{{1, 5}, {3, 4}}, nil, AggregateMax)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 5}, got)
}

func TestAggregateAttention(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}}

	got, err := Aggregate(vectors, []float64{3, 1}, AggregateAttention)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, float64(got[0]), 1e-6)
	assert.InDelta(t, 0.25, float64(got[1]), 1e-6)
}

func TestAggregateAttentionZeroWeightsFallBackToUniform(t *testing.T) {
	got, err := Aggregate([][]float32{{1, 0}, {0, 1}}, []float64{0, 0}, AggregateAttention)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, float64(got[0]), 1e-6)
	assert.InDelta(t, 0.5, float64(got[1]), 1e-6)
}

func TestAggregateAttentionIgnoresNegativeWeights(t *testing.T) {
	got, err := Aggregate([][]float32{{1, 0}, {0, 1}}, []float64{2, -2}, AggregateAttention)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(got[0]), 1e-6)
	assert.InDelta(t, 0.0, float64(got[1]), 1e-6)
}

func TestAggregateErrors(t *testing.T) {
	_, err := Aggregate(nil, nil, AggregateMean)
	assert.Error(t, err)

	_, err = Aggregate([][]float32{{1, 2}, {1}}, nil, AggregateMean)
	assert.Error(t, err)

	_, err = Aggregate([][]float32{{1, 2}}, []float64{1, 2}, AggregateAttention)
	assert.Error(t, err)

	_, err = Aggregate([][]float32{{1, 2}}, nil, AggregationMode("median"))
	assert.Error(t, err)
}

func TestAggregationModeIsValid(t *testing.T) {
	assert.True(t, AggregateMean.IsValid())
	assert.True(t, AggregateMax.IsValid())
	assert.True(t, AggregateAttention.IsValid())
	assert.False(t, AggregationMode("median").IsValid())
}

func TestContentHashDeterministic(t *testing.T) {
	h1 := ContentHash([]float32{1, 2, 3})
	h2 := ContentHash([]float32{1, 2, 3})
	h3 := ContentHash([]float32{1, 2, 3.0001})

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Regexp(t, "^[0-9a-f]{64}$", h1)
}

func TestFrameWeightsSkipsUnembeddedFrames(t *testing.T) {
	frames := []domain.Frame{
		{Number: 0, Embedding: []float32{1}, Analysis: domain.FrameAnalysis{Confidence: 0.9}},
		{Number: 1}, // vision failed, no embedding
		{Number: 2, Embedding: []float32{2}, Analysis: domain.FrameAnalysis{Confidence: 0.5}},
	}

	vectors, weights := frameWeights(frames)
	assert.Equal(t, [][]float32{{1}, {2}}, vectors)
	assert.Equal(t, []float64{0.9, 0.5}, weights)
}

func BenchmarkAggregate(b *testing.B) {
	vectors := make([][]float32, 64)
	weights := make([]float64, len(vectors))
	for i := range vectors {
		vectors[i] = model.DeterministicVector(fmt.Sprintf("frame-%d", i))
		weights[i] = float64(i%10) / 10
	}

	for _, mode := range []AggregationMode{AggregateMean, AggregateMax, AggregateAttention} {
		b.Run(string(mode), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := Aggregate(vectors, weights, mode); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
