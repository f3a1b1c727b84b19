// Package knn implements a distance-weighted k-nearest-neighbor classifier
// over a dense float64 training matrix.
package knn

import (
	"math"
	"sort"

	"github.com/rawblock/clientprint/pkg/models"
)

// K is the fixed neighbor count. Odd so unweighted ties are rare, though
// distance-weighted ties remain possible and are broken by label order.
const K = 9

// Matrix is an immutable, read-only training set: N rows of F features
// each, with a parallel label vector. Once built it is never mutated, so it
// may be read concurrently by any number of goroutines without locking.
type Matrix struct {
	rows   [][]float64
	labels []models.ClientLabel
}

// NewMatrix builds a Matrix from parallel rows/labels slices. It copies
// nothing; callers must not mutate rows or labels after this call.
func NewMatrix(rows [][]float64, labels []models.ClientLabel) *Matrix {
	return &Matrix{rows: rows, labels: labels}
}

func (m *Matrix) Len() int { return len(m.rows) }

// Export returns the raw rows and labels backing m, in training-row order.
// Callers must treat the returned slices as read-only; used by internal/modelfile
// to serialize a built model.
func (m *Matrix) Export() ([][]float64, []models.ClientLabel) {
	return m.rows, m.labels
}

type neighbor struct {
	distance float64
	index    int
}

// Classify returns the normalized per-label weight vector for q, computed
// from the K nearest rows of m by Euclidean distance.
//
// Ties in distance are broken by ascending training-row index. If any of
// the K nearest rows has distance exactly 0, the prediction collapses to
// that row's label with probability 1.0. Otherwise neighbors are weighted
// by 1/distance and the weights are summed per label and normalized. The
// whole map is returned; ArgMax picks the single label and breaks weight
// ties across labels by the closed-set order, lower index first.
func (m *Matrix) Classify(q []float64) map[models.ClientLabel]float64 {
	n := m.Len()
	if n == 0 {
		return map[models.ClientLabel]float64{}
	}

	neighbors := make([]neighbor, n)
	for i, row := range m.rows {
		neighbors[i] = neighbor{distance: euclidean(row, q), index: i}
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].distance != neighbors[j].distance {
			return neighbors[i].distance < neighbors[j].distance
		}
		return neighbors[i].index < neighbors[j].index
	})

	k := K
	if k > n {
		k = n
	}
	selected := neighbors[:k]

	for _, nb := range selected {
		if nb.distance == 0 {
			return map[models.ClientLabel]float64{m.labels[nb.index]: 1.0}
		}
	}

	weights := make(map[models.ClientLabel]float64)
	var total float64
	for _, nb := range selected {
		w := 1.0 / nb.distance
		weights[m.labels[nb.index]] += w
		total += w
	}

	out := make(map[models.ClientLabel]float64, len(weights))
	if total == 0 {
		return out
	}
	for label, w := range weights {
		out[label] = w / total
	}
	return out
}

func euclidean(a, b []float64) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ArgMax returns the label with the highest probability in probs, breaking
// ties by the lowest index in the closed label set. Returns Uncertain if
// probs is empty.
func ArgMax(probs map[models.ClientLabel]float64) models.ClientLabel {
	if len(probs) == 0 {
		return models.Uncertain
	}
	best := models.Uncertain
	bestIdx := len(models.ClosedSet)
	var bestProb float64 = -1
	for label, p := range probs {
		idx := models.IndexInClosedSet(label)
		if idx < 0 {
			idx = len(models.ClosedSet)
		}
		if p > bestProb || (p == bestProb && idx < bestIdx) {
			best = label
			bestProb = p
			bestIdx = idx
		}
	}
	return best
}
