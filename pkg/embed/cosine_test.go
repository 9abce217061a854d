package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestCosineDegenerateInputs(t *testing.T) {
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float32{1, 2}, []float32{1}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0}
	candidates := [][]float32{
		{0, 1},      // orthogonal
		{1, 0.1},    // close
		{-1, 0},     // opposite
		{0.9, 0.05}, // close
	}

	got := TopK(query, candidates, 2)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []int{1, 3}, []int{got[0].Index, got[1].Index})
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
}

func TestTopKClampsK(t *testing.T) {
	got := TopK([]float32{1}, [][]float32{{1}, {2}}, 10)
	assert.Len(t, got, 2)
}

func TestTopKEmpty(t *testing.T) {
	assert.Nil(t, TopK([]float32{1}, nil, 5))
	assert.Nil(t, TopK([]float32{1}, [][]float32{{1}}, 0))
}
