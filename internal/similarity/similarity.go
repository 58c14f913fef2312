// Package similarity implements the two signals the ranking score is built
// from: embedding cosine similarity and a fuzzy ("soft") Jaccard over
// normalized token sets.
package similarity

import (
	"math"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"cv-match-go/internal/textnorm"
)

// epsilon guards the cosine denominator against division by zero.
const epsilon = 1e-8

// Norm returns the Euclidean norm of v. The dot product accumulates in
// single precision to match the vectors as persisted.
func Norm(v []float32) float64 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(float64(sum))
}

// Cosine returns the cosine similarity of a and b using the supplied
// precomputed norms, falling back to computing them when zero. Either side
// being empty yields 0.0; a zero-magnitude vector yields 0.0 with no
// division error.
func Cosine(a []float32, aNorm float64, b []float32, bNorm float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	if aNorm <= 0 {
		aNorm = Norm(a)
	}
	if bNorm <= 0 {
		bNorm = Norm(b)
	}

	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float32
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	return float64(dot) / (aNorm*bNorm + epsilon)
}

// SoftJaccard computes a fuzzy set-overlap ratio between two normalized
// token sets. Greedy bipartite matching: each token of a, visited in sorted
// order, claims the unused token of b with the highest partial ratio; the
// pair counts when that ratio reaches threshold (0..100). The result divides
// matched pairs by |a ∪ b|, so it lands in [0,1].
//
// The function is deterministic: both sides iterate in ascending lexical
// order and ties on the best ratio keep the first candidate encountered.
// It is not symmetric; swapping a and b may change which pairs are claimed.
// Callers pass the profile side first.
func SoftJaccard(a, b textnorm.TokenSet, threshold int) float64 {
	if a.Len() == 0 || b.Len() == 0 {
		return 0.0
	}

	bTokens := b.Sorted()
	used := make([]bool, len(bTokens))
	matched := 0

	for _, ta := range a.Sorted() {
		best := -1
		bestScore := -1
		for i, tb := range bTokens {
			if used[i] {
				continue
			}
			score := fuzzy.PartialRatio(ta, tb)
			if score > bestScore {
				bestScore = score
				best = i
			}
		}
		if best >= 0 && bestScore >= threshold {
			used[best] = true
			matched++
		}
	}

	union := a.UnionLen(b)
	if union == 0 {
		return 0.0
	}
	return float64(matched) / float64(union)
}
