// Command periods runs the per-validator period aggregation over an
// existing block store: it derives period boundaries from the upstream head
// slot, labels every active validator per period (guess_k_recent,
// guess_mode, guess_med_95), and writes the per-period client-count CSV.
package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rawblock/clientprint/internal/beaconnode"
	"github.com/rawblock/clientprint/internal/query"
	"github.com/rawblock/clientprint/internal/store"
)

const defaultTimeout = 30 * time.Second

// epochsPerDay is the default period length: 225 epochs of 32 12-second
// slots is one day of wall-clock time.
const epochsPerDay = 225

func main() {
	log.Println("Starting clientprint period aggregation...")

	blockDB := requireEnv("BLOCK_DB")
	bnURL := requireEnv("BN_URL")

	st, err := store.Open(blockDB, nil)
	if err != nil {
		log.Fatalf("FATAL: failed to open block store at %s: %v", blockDB, err)
	}
	defer st.Close()

	bn := beaconNodeFrom(bnURL)
	column, columnName := guessColumnFromEnv()

	ctx := context.Background()
	startSlot := envUint("START_SLOT", 0)
	periodEpochs := envUint("PERIOD_EPOCHS", epochsPerDay)

	periods, err := query.BuildPeriods(ctx, bn, startSlot, periodEpochs)
	if err != nil {
		log.Fatalf("FATAL: failed to build period list: %v", err)
	}
	if len(periods) == 0 {
		log.Fatalf("FATAL: no periods between slot %d and the current head", startSlot)
	}
	log.Printf("Labeling %d period(s) of %d epochs each over guess column %s", len(periods), periodEpochs, columnName)

	labelsByPeriod := make(map[string][]query.ValidatorLabels, len(periods))
	for _, p := range periods {
		labels, err := query.PeriodLabels(ctx, st, p)
		if err != nil {
			log.Fatalf("FATAL: failed to label period %s: %v", p.PeriodID, err)
		}
		labelsByPeriod[p.PeriodID] = labels
		log.Printf("Period %s: end slot %d, %d validators", p.PeriodID, p.EndSlot, p.NumActiveValidators)
	}

	csv := query.ExportCSV(periods, labelsByPeriod, column)

	if outPath := os.Getenv("OUT"); outPath != "" {
		if err := os.WriteFile(outPath, []byte(csv), 0o644); err != nil {
			log.Fatalf("FATAL: failed to write %s: %v", outPath, err)
		}
		log.Printf("Wrote %s", outPath)
		return
	}
	os.Stdout.WriteString(csv)
}

// guessColumnFromEnv maps GUESS_COLUMN onto the closed GuessColumn set,
// defaulting to guess_mode.
func guessColumnFromEnv() (query.GuessColumn, string) {
	switch name := os.Getenv("GUESS_COLUMN"); name {
	case "", "mode", "guess_mode":
		return query.GuessMode, "guess_mode"
	case "k_recent", "guess_k_recent":
		return query.GuessKRecent, "guess_k_recent"
	case "med_95", "guess_med_95":
		return query.GuessMed95, "guess_med_95"
	default:
		log.Fatalf("FATAL: unknown GUESS_COLUMN %q (want k_recent, mode, or med_95)", name)
		return query.GuessMode, ""
	}
}

// beaconNodeFrom builds a beaconnode.Client, or for a comma-separated
// BN_URL, a round-robin beaconnode.Pool.
func beaconNodeFrom(bnURL string) query.SlotSource {
	urls := strings.Split(bnURL, ",")
	if len(urls) == 1 {
		return beaconnode.New(strings.TrimSpace(urls[0]), defaultTimeout)
	}
	return beaconnode.NewPool(urls, defaultTimeout)
}

// requireEnv reads a required environment variable and exits if it is not set.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return val
}

// envUint parses a uint64 environment variable, falling back to def on
// absence or parse failure.
func envUint(key string, def uint64) uint64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}
