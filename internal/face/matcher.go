package face

import (
	"errors"
	"math"
)

// ErrDimensionMismatch reports embeddings of unequal length. Callers treat
// the pair as similarity 0 rather than failing the whole match.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Comparison is the distance/similarity between two embeddings.
type Comparison struct {
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
}

// Match is the result of scanning a query embedding against stored candidates.
type Match struct {
	BestSimilarity float64 `json:"best_similarity"`
	BestDistance   float64 `json:"best_distance"`
	MatchedIndex   int     `json:"matched_index"`
	IsMatch        bool    `json:"is_match"`
}

// Compare computes Euclidean distance and similarity = max(0, 1 - distance).
func Compare(a, b []float32) (Comparison, error) {
	if len(a) != len(b) {
		return Comparison{Distance: math.Inf(1)}, ErrDimensionMismatch
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	dist := math.Sqrt(sum)
	sim := 1 - dist
	if sim < 0 {
		sim = 0
	}
	return Comparison{Distance: dist, Similarity: sim}, nil
}

// FindBestMatch scans candidates in order and keeps the highest similarity.
// Ties keep the first-encountered candidate. Dimension mismatches degrade to
// similarity 0 for that candidate; stored data may be heterogeneous.
func FindBestMatch(query []float32, candidates [][]float32, maxDistance float64) Match {
	best := Match{MatchedIndex: -1, BestDistance: math.Inf(1)}
	for i, cand := range candidates {
		cmp, err := Compare(query, cand)
		if err != nil {
			continue
		}
		if best.MatchedIndex < 0 || cmp.Similarity > best.BestSimilarity {
			best.BestSimilarity = cmp.Similarity
			best.BestDistance = cmp.Distance
			best.MatchedIndex = i
		}
	}
	if best.MatchedIndex >= 0 {
		best.IsMatch = best.BestDistance <= maxDistance
	}
	return best
}
