package knn

import (
	"math"
	"testing"

	"github.com/rawblock/clientprint/pkg/models"
)

// A query equal to a training row must receive probability 1.0 for that
// row's label.
func TestExactMatchRule(t *testing.T) {
	rows := [][]float64{
		{1, 2, 3},
		{4, 5, 6},
		{7, 8, 9},
	}
	labels := []models.ClientLabel{models.Lighthouse, models.Prysm, models.Teku}
	m := NewMatrix(rows, labels)

	probs := m.Classify([]float64{4, 5, 6})
	if math.Abs(probs[models.Prysm]-1.0) > 1e-9 {
		t.Errorf("exact match should give probability 1.0, got %v", probs)
	}
	if len(probs) != 1 {
		t.Errorf("exact match should collapse to a single label, got %v", probs)
	}
}

func TestClassifyNormalizesToOne(t *testing.T) {
	rows := [][]float64{{0, 0}, {1, 0}, {0, 1}, {5, 5}}
	labels := []models.ClientLabel{models.Lighthouse, models.Prysm, models.Teku, models.Nimbus}
	m := NewMatrix(rows, labels)

	probs := m.Classify([]float64{2, 2})
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("probabilities should sum to 1.0, got %v (sum=%v)", probs, sum)
	}
}

func TestTieBreakByLowestTrainingIndex(t *testing.T) {
	// Eight Lighthouse rows at distance 1 fill eight of the K=9 neighbor
	// slots; row 8 (Prysm) and row 9 (Teku) tie at distance 2 for the
	// ninth. The lower training-row index must win, so Prysm is a neighbor
	// and Teku is not.
	rows := [][]float64{
		{1, 0}, {1, 0}, {1, 0}, {1, 0}, {1, 0}, {1, 0}, {1, 0}, {1, 0},
		{0, 2},
		{2, 0},
	}
	labels := []models.ClientLabel{
		models.Lighthouse, models.Lighthouse, models.Lighthouse, models.Lighthouse,
		models.Lighthouse, models.Lighthouse, models.Lighthouse, models.Lighthouse,
		models.Prysm,
		models.Teku,
	}
	m := NewMatrix(rows, labels)

	probs := m.Classify([]float64{0, 0})
	if probs[models.Prysm] == 0 {
		t.Errorf("row 8 (Prysm) should win the distance tie for the last neighbor slot, got %v", probs)
	}
	if _, ok := probs[models.Teku]; ok {
		t.Errorf("row 9 (Teku) should lose the distance tie to the lower-index row, got %v", probs)
	}
}

func TestArgMaxTieBreaksByClosedSetOrder(t *testing.T) {
	probs := map[models.ClientLabel]float64{
		models.Teku:   0.5,
		models.Prysm:  0.5,
		models.Nimbus: 0.0,
	}
	got := ArgMax(probs)
	if got != models.Prysm {
		t.Errorf("ArgMax should break ties by closed-set order, got %v, want %v", got, models.Prysm)
	}
}

func TestArgMaxEmpty(t *testing.T) {
	if got := ArgMax(map[models.ClientLabel]float64{}); got != models.Uncertain {
		t.Errorf("ArgMax of empty map should be Uncertain, got %v", got)
	}
}
