// Package evalscore computes cross-validation diagnostics for a built
// k-NN model. Scoring never mutates the model; it exists purely for
// operator feedback during training.
package evalscore

import (
	"github.com/rawblock/clientprint/internal/knn"
	"github.com/rawblock/clientprint/pkg/models"
)

// FoldScore is the balanced-accuracy result of one held-out fold.
type FoldScore struct {
	Fold             int
	HeldOut          int
	BalancedAccuracy float64
}

// KFold splits rows/labels into numFolds contiguous folds, retrains a
// leave-fold-out k-NN view for each, classifies the held-out rows against
// it, and reports the balanced accuracy per fold.
func KFold(rows [][]float64, labels []models.ClientLabel, numFolds int) []FoldScore {
	n := len(rows)
	if numFolds < 2 || n < numFolds {
		return nil
	}

	foldSize := n / numFolds
	scores := make([]FoldScore, 0, numFolds)

	for f := 0; f < numFolds; f++ {
		start := f * foldSize
		end := start + foldSize
		if f == numFolds-1 {
			end = n
		}

		var trainRows [][]float64
		var trainLabels []models.ClientLabel
		var testRows [][]float64
		var testLabels []models.ClientLabel

		for i := 0; i < n; i++ {
			if i >= start && i < end {
				testRows = append(testRows, rows[i])
				testLabels = append(testLabels, labels[i])
			} else {
				trainRows = append(trainRows, rows[i])
				trainLabels = append(trainLabels, labels[i])
			}
		}

		matrix := knn.NewMatrix(trainRows, trainLabels)
		predicted := make([]models.ClientLabel, len(testRows))
		for i, row := range testRows {
			probs := matrix.Classify(row)
			predicted[i] = knn.ArgMax(probs)
		}

		scores = append(scores, FoldScore{
			Fold:             f,
			HeldOut:          len(testRows),
			BalancedAccuracy: BalancedAccuracy(predicted, testLabels),
		})
	}
	return scores
}

// BalancedAccuracy is the average per-class recall: for each distinct
// label present in truth, the fraction of that label's rows predicted
// correctly, averaged uniformly across labels regardless of class size so
// that small, rare clients are not swamped by large ones.
//
// This adapts the contingency-table counting style of a prior clustering
// comparator (row/column sums over a label x label matrix) to a
// classification-accuracy metric instead of a partition-similarity one.
func BalancedAccuracy(predicted, truth []models.ClientLabel) float64 {
	n := len(truth)
	if n == 0 || len(predicted) != n {
		return 0.0
	}

	correct := make(map[models.ClientLabel]int)
	total := make(map[models.ClientLabel]int)
	var order []models.ClientLabel
	seen := make(map[models.ClientLabel]bool)

	for i := 0; i < n; i++ {
		label := truth[i]
		if !seen[label] {
			seen[label] = true
			order = append(order, label)
		}
		total[label]++
		if predicted[i] == label {
			correct[label]++
		}
	}

	if len(order) == 0 {
		return 0.0
	}

	var sum float64
	for _, label := range order {
		sum += float64(correct[label]) / float64(total[label])
	}
	return sum / float64(len(order))
}
