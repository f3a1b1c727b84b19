// Package classifier implements the single-range classifier: graffiti
// short-circuit plus k-NN-backed hedging.
package classifier

import (
	"sort"

	"github.com/rawblock/clientprint/internal/features"
	"github.com/rawblock/clientprint/internal/graffiti"
	"github.com/rawblock/clientprint/internal/knn"
	"github.com/rawblock/clientprint/pkg/models"
)

// Confidence and MinGuess are the hedging thresholds for the multilabel
// derivation.
const (
	Confidence = 0.95
	MinGuess   = 0.20
)

// Model is one built, immutable single-range classifier: a feature set, a
// k-NN training matrix, the enabled client list, and the graffiti-only
// side list. Build it once; every field is read-only afterward so it may
// be shared across goroutines without synchronization.
type Model struct {
	FeatureNames   []string
	Matrix         *knn.Matrix
	EnabledClients []models.ClientLabel
	GraffitiOnly   map[models.ClientLabel]bool
	Graffiti       *graffiti.Matcher
}

// Classify labels r: the graffiti short-circuit runs first, then the
// k-NN vote with hedging.
func (m *Model) Classify(r *models.RewardRecord) models.ClassifyResult {
	graffitiGuess := m.Graffiti.MatchRecord(r)

	if graffitiGuess != nil && m.GraffitiOnly[*graffitiGuess] {
		g := *graffitiGuess
		return models.ClassifyResult{
			Label:          g,
			MultiLabel:     string(g),
			ProbabilityMap: map[models.ClientLabel]float64{g: 1.0},
			GraffitiGuess:  graffitiGuess,
		}
	}

	vec := features.Vector(r, m.FeatureNames)
	probs := m.Matrix.Classify(vec)

	label := knn.ArgMax(probs)
	multilabel := deriveMultilabel(probs, m.EnabledClients)

	return models.ClassifyResult{
		Label:          label,
		MultiLabel:     multilabel,
		ProbabilityMap: probs,
		GraffitiGuess:  graffitiGuess,
	}
}

// deriveMultilabel walks enabled clients in closed-set order; a single
// client above Confidence short-circuits to that client alone; otherwise
// every client above MinGuess is collected and formatted as one name, an
// "A or B" pair, or Uncertain for zero or three-plus candidates.
func deriveMultilabel(probs map[models.ClientLabel]float64, enabled []models.ClientLabel) string {
	ordered := orderedEnabled(enabled)

	for _, c := range ordered {
		if probs[c] > Confidence {
			return string(c)
		}
	}

	var above []models.ClientLabel
	for _, c := range ordered {
		if probs[c] > MinGuess {
			above = append(above, c)
		}
	}

	switch len(above) {
	case 0:
		return string(models.Uncertain)
	case 1:
		return string(above[0])
	case 2:
		return string(above[0]) + " or " + string(above[1])
	default:
		return string(models.Uncertain)
	}
}

func orderedEnabled(enabled []models.ClientLabel) []models.ClientLabel {
	out := append([]models.ClientLabel(nil), enabled...)
	sort.Slice(out, func(i, j int) bool {
		return models.IndexInClosedSet(out[i]) < models.IndexInClosedSet(out[j])
	})
	return out
}
