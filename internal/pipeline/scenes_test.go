package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/model"
)

func repeatVec(v []float32, n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestCosine(t *testing.T) {
	a := model.DeterministicVector("cosine-a")

	assert.InDelta(t, 1.0, Cosine(a, a), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestCosineUnrelatedSeedsAreDissimilar(t *testing.T) {
	// Scene tests lean on deterministic vectors being near-orthogonal for
	// different seeds; pin that property here.
	a := model.DeterministicVector("scene-a")
	b := model.DeterministicVector("scene-b")
	assert.Less(t, Cosine(a, b), 0.7)
}

func TestBoundariesSplitsAtSimilarityDrops(t *testing.T) {
	a := model.DeterministicVector("scene-a")
	b := model.DeterministicVector("scene-b")

	var vectors [][]float32
	vectors = append(vectors, repeatVec(a, 60)...)
	vectors = append(vectors, repeatVec(b, 60)...)
	vectors = append(vectors, repeatVec(a, 60)...)

	bounds := Boundaries(vectors, DefaultSceneParams())
	assert.Equal(t, []int{0, 60, 120}, bounds)
}

func TestBoundariesAbsorbsEarlyDrop(t *testing.T) {
	a := model.DeterministicVector("scene-a")
	b := model.DeterministicVector("scene-b")

	// The cut at frame 20 is inside the 30-frame minimum; it must not split.
	var vectors [][]float32
	vectors = append(vectors, repeatVec(a, 20)...)
	vectors = append(vectors, repeatVec(b, 40)...)

	assert.Equal(t, []int{0}, Boundaries(vectors, DefaultSceneParams()))
}

func TestBoundariesMaxLenForcesSplit(t *testing.T) {
	a := model.DeterministicVector("scene-a")
	vectors := repeatVec(a, 2000)

	bounds := Boundaries(vectors, DefaultSceneParams())
	assert.Equal(t, []int{0, 900, 1800}, bounds)
}

func TestBoundariesEmptyInput(t *testing.T) {
	assert.Nil(t, Boundaries(nil, DefaultSceneParams()))
}

func TestShotsWithinUsesAbsoluteFrames(t *testing.T) {
	a := model.DeterministicVector("shot-a")
	b := model.DeterministicVector("shot-b")

	// Scene range [10, 40): 15 frames of a, then 15 of b.
	vectors := repeatVec(model.DeterministicVector("other"), 10)
	vectors = append(vectors, repeatVec(a, 15)...)
	vectors = append(vectors, repeatVec(b, 15)...)

	shots := shotsWithin(vectors, 10, 40, DefaultShotParams())
	require.Equal(t, []domain.Shot{
		{StartFrame: 10, EndFrame: 25},
		{StartFrame: 25, EndFrame: 40},
	}, shots)
}

func TestShotsWithinHomogeneousScene(t *testing.T) {
	vectors := repeatVec(model.DeterministicVector("shot-a"), 30)
	shots := shotsWithin(vectors, 0, 30, DefaultShotParams())
	assert.Equal(t, []domain.Shot{{StartFrame: 0, EndFrame: 30}}, shots)
}

func TestShotsWithinEmptyRange(t *testing.T) {
	vectors := repeatVec(model.DeterministicVector("shot-a"), 5)
	assert.Nil(t, shotsWithin(vectors, 3, 3, DefaultShotParams()))
}

func BenchmarkBoundaries(b *testing.B) {
	// Ten minutes of 1 fps keyframes cut into 60-frame scenes.
	var vectors [][]float32
	for scene := 0; scene < 10; scene++ {
		v := model.DeterministicVector(fmt.Sprintf("scene-%d", scene))
		vectors = append(vectors, repeatVec(v, 60)...)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Boundaries(vectors, DefaultSceneParams())
	}
}
