package embed

import (
	"math"
	"sort"
)

// Cosine returns the cosine similarity of two vectors, or 0 when either is
// empty, zero-length, or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Neighbor is one similarity match from TopK.
type Neighbor struct {
	Index int
	Score float64
}

// TopK returns the k most similar candidate vectors to query, best first.
// Candidates with mismatched dimensions score 0 and sort last.
func TopK(query []float32, candidates [][]float32, k int) []Neighbor {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	neighbors := make([]Neighbor, len(candidates))
	for i, c := range candidates {
		neighbors[i] = Neighbor{Index: i, Score: Cosine(query, c)}
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Score > neighbors[j].Score
	})

	if k > len(neighbors) {
		k = len(neighbors)
	}
	return neighbors[:k]
}
