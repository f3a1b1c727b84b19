// Package training walks a labeled directory tree and builds the feature
// matrix a model is built from.
package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rawblock/clientprint/internal/features"
	"github.com/rawblock/clientprint/internal/knn"
	"github.com/rawblock/clientprint/pkg/models"
)

// Config controls how subdirectory names map onto the closed label set.
type Config struct {
	// FeatureNames is the fixed, ordered feature set baked into the model.
	FeatureNames []string
	// GroupedInto maps a raw subdirectory name (e.g. a minority client) to
	// the closed-set label it collapses into at build time ("Other").
	GroupedInto map[string]models.ClientLabel
	// GraffitiOnly lists clients that contribute no training rows; they
	// are kept on a side list for the single-range classifier's graffiti
	// short-circuit regardless of whether their subdirectory exists.
	GraffitiOnly []models.ClientLabel
}

// Result is everything a single-range classifier needs to be built.
type Result struct {
	Matrix         *knn.Matrix
	EnabledClients []models.ClientLabel
	GraffitiOnly   map[models.ClientLabel]bool
}

// Load walks dir, where each immediate subdirectory name is either a
// closed-set client label or a name present in cfg.GroupedInto, and every
// file inside is one JSON-encoded reward record; a file that does not
// decode fails the whole Load. A client whose
// subdirectory is absent or contains no record files is disabled for
// this model (omitted from EnabledClients) unless it is graffiti-only, in
// which case it never needs training rows.
func Load(dir string, cfg Config) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("training: read dir %s: %w", dir, err)
	}

	graffitiOnly := make(map[models.ClientLabel]bool, len(cfg.GraffitiOnly))
	for _, c := range cfg.GraffitiOnly {
		graffitiOnly[c] = true
	}

	var rows [][]float64
	var labels []models.ClientLabel
	rowCount := make(map[models.ClientLabel]int)

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		label, ok := resolveLabel(name, cfg.GroupedInto)
		if !ok {
			continue
		}
		if graffitiOnly[label] {
			// Graffiti-only clients never contribute rows, even if a
			// subdirectory with training examples happens to exist.
			continue
		}

		subdir := filepath.Join(dir, name)
		n, err := loadClientDir(subdir, label, cfg.FeatureNames, &rows, &labels)
		if err != nil {
			return nil, err
		}
		rowCount[label] += n
	}

	var enabled []models.ClientLabel
	for _, c := range models.ClosedSet {
		if graffitiOnly[c] {
			continue
		}
		if rowCount[c] > 0 {
			enabled = append(enabled, c)
		}
	}
	sort.Slice(enabled, func(i, j int) bool {
		return models.IndexInClosedSet(enabled[i]) < models.IndexInClosedSet(enabled[j])
	})

	return &Result{
		Matrix:         knn.NewMatrix(rows, labels),
		EnabledClients: enabled,
		GraffitiOnly:   graffitiOnly,
	}, nil
}

// resolveLabel maps a subdirectory name to a closed-set label, either
// directly (the name IS a closed-set label) or via the grouped-client
// table collapsing minority clients into Other.
func resolveLabel(name string, grouped map[string]models.ClientLabel) (models.ClientLabel, bool) {
	for _, c := range models.ClosedSet {
		if string(c) == name {
			return c, true
		}
	}
	if label, ok := grouped[name]; ok {
		return label, true
	}
	return "", false
}

// ParseClientList parses a comma-separated list of closed-set client labels
// (e.g. a GRAFFITI_ONLY_CLIENTS environment value). Blank entries are
// skipped; a name outside the closed set is an error rather than a silent
// drop.
func ParseClientList(raw string) ([]models.ClientLabel, error) {
	var out []models.ClientLabel
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		label := models.ClientLabel(name)
		if models.IndexInClosedSet(label) < 0 {
			return nil, fmt.Errorf("training: %q is not a closed-set client label", name)
		}
		out = append(out, label)
	}
	return out, nil
}

// ParseGroupedList parses a comma-separated list of raw subdirectory names
// (e.g. a GROUPED_CLIENTS environment value) into a GroupedInto table
// collapsing each into Other. The names are free-form: a grouped client is
// by definition one outside the trained label set.
func ParseGroupedList(raw string) map[string]models.ClientLabel {
	grouped := make(map[string]models.ClientLabel)
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		grouped[name] = models.Other
	}
	return grouped
}

func loadClientDir(dir string, label models.ClientLabel, featureNames []string, rows *[][]float64, labels *[]models.ClientLabel) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("training: read client dir %s: %w", dir, err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return count, fmt.Errorf("training: read %s: %w", path, err)
		}
		var record models.RewardRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return count, fmt.Errorf("training: decode %s: %w", path, err)
		}
		vec := features.Vector(&record, featureNames)
		*rows = append(*rows, vec)
		*labels = append(*labels, label)
		count++
	}
	return count, nil
}
