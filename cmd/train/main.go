// Command train builds the on-disk classifier models the engine serves.
// It walks DATA_DIR, trains one
// single-range classifier per slot_<start>_to_<end> subdirectory (or a
// single open-ended model for a flat tree), optionally cross-validates, and
// writes each range's model.bin next to its training data so ENSEMBLE_DIR
// or MODEL_PATH can point straight back at the same tree.
package main

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rawblock/clientprint/internal/ensemble"
	"github.com/rawblock/clientprint/internal/evalscore"
	"github.com/rawblock/clientprint/internal/features"
	"github.com/rawblock/clientprint/internal/graffiti"
	"github.com/rawblock/clientprint/internal/modelfile"
	"github.com/rawblock/clientprint/internal/training"
)

const modelFileName = "model.bin"

func main() {
	log.Println("Starting clientprint trainer...")

	dataDir := requireEnv("DATA_DIR")
	graffitiPath := requireEnv("GRAFFITI_CONFIG")

	matcher, err := graffiti.LoadFile(graffitiPath)
	if err != nil {
		log.Fatalf("FATAL: failed to load graffiti config: %v", err)
	}

	graffitiOnly, err := training.ParseClientList(os.Getenv("GRAFFITI_ONLY_CLIENTS"))
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	cfg := training.Config{
		FeatureNames: features.DefaultFeatures,
		GroupedInto:  training.ParseGroupedList(os.Getenv("GROUPED_CLIENTS")),
		GraffitiOnly: graffitiOnly,
	}

	ranges, err := ensemble.TrainDir(dataDir, cfg, matcher)
	if err != nil {
		log.Fatalf("FATAL: training failed: %v", err)
	}

	crossValidate := os.Getenv("CROSS_VALIDATE") != ""
	folds := envInt("CV_FOLDS", 5)

	for _, r := range ranges {
		log.Printf("Range [%d,%d]: %d samples, enabled clients %v, graffiti-only %v",
			r.Start, r.End, r.Result.Matrix.Len(), r.Result.EnabledClients, cfg.GraffitiOnly)

		if crossValidate {
			rows, labels := r.Result.Matrix.Export()
			scores := evalscore.KFold(rows, labels, folds)
			if scores == nil {
				log.Printf("Range [%d,%d]: too few samples for %d-fold cross-validation", r.Start, r.End, folds)
			}
			for _, s := range scores {
				log.Printf("Range [%d,%d] fold %d: balanced accuracy %.4f over %d held-out samples",
					r.Start, r.End, s.Fold, s.BalancedAccuracy, s.HeldOut)
			}
		}

		outPath := filepath.Join(r.Dir, modelFileName)
		if err := modelfile.SaveFile(outPath, r.Model, graffitiPath); err != nil {
			log.Fatalf("FATAL: failed to write %s: %v", outPath, err)
		}
		log.Printf("Wrote %s", outPath)
	}

	log.Printf("Trained %d range(s)", len(ranges))
}

// requireEnv reads a required environment variable and exits if it is not set.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return val
}

// envInt parses an int environment variable, falling back to def on absence
// or parse failure.
func envInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
