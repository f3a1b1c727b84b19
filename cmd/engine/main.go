package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rawblock/clientprint/internal/api"
	"github.com/rawblock/clientprint/internal/beaconnode"
	"github.com/rawblock/clientprint/internal/ensemble"
	"github.com/rawblock/clientprint/internal/features"
	"github.com/rawblock/clientprint/internal/graffiti"
	"github.com/rawblock/clientprint/internal/ingest"
	"github.com/rawblock/clientprint/internal/modelfile"
	"github.com/rawblock/clientprint/internal/opsmetrics"
	"github.com/rawblock/clientprint/internal/store"
	"github.com/rawblock/clientprint/internal/training"
	"github.com/rawblock/clientprint/pkg/models"
)

const (
	modelFileName  = "model.bin"
	defaultTimeout = 30 * time.Second
)

func main() {
	log.Println("Starting clientprint (beacon-chain client classification engine)...")
	log.Println("Loading classifier ensemble and block store...")

	// ─── Required Environment Variables ─────────────────────────────────
	// The block store location always comes from the environment; there
	// is no safe default for where persisted classifications live.
	// ────────────────────────────────────────────────────────────────────

	blockDB := requireEnv("BLOCK_DB")

	// Build the classifier ensemble first so its enabled-client list can
	// pre-populate the store's aggregate queries. DISABLE_CLASSIFIER lets
	// the engine run in store-query-only mode.
	var ens *ensemble.Ensemble
	var enabledClients []models.ClientLabel
	var err error
	if os.Getenv("DISABLE_CLASSIFIER") == "" {
		ens, err = loadEnsemble()
		if err != nil {
			log.Fatalf("FATAL: failed to load classifier ensemble: %v", err)
		}
		enabledClients = ens.EnabledClients()
	} else {
		log.Println("WARNING: DISABLE_CLASSIFIER set — engine running in store-query-only mode (no ensemble, no ingest)")
	}

	st, err := store.Open(blockDB, enabledClients)
	if err != nil {
		log.Fatalf("FATAL: failed to open block store at %s: %v", blockDB, err)
	}
	defer st.Close()

	metrics := opsmetrics.New()

	// Setup WebSocket Hub for live classification broadcast.
	wsHub := api.NewHub()
	go wsHub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if ens != nil {
		if bnURL := os.Getenv("BN_URL"); bnURL == "" {
			log.Println("WARNING: BN_URL unset — ingest workers disabled, engine running in API-only mode")
		} else {
			bn := beaconNodeFrom(bnURL)
			restorePoint := envUint("RESTORE_POINT_INTERVAL", 2048)
			onInsert := broadcastInsert(wsHub, metrics)

			listener := ingest.NewListener(bn, ens, st, onInsert)
			go listener.Run(ctx)

			backfiller := ingest.NewBackfiller(bn, ens, st, restorePoint, onInsert, metrics)
			go backfiller.Run(ctx)
		}
	}

	// Metrics are served on a separate address from the request-serving
	// router.
	if metricsAddr := os.Getenv("METRICS_ADDR"); metricsAddr != "" {
		go func() {
			log.Printf("Metrics listening on %s", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, opsmetrics.Handler()); err != nil {
				log.Printf("Warning: metrics server stopped: %v", err)
			}
		}()
	}

	r := api.SetupRouter(ctx, ens, st, wsHub, metrics)

	port := getEnvOrDefault("PORT", "5339")
	log.Printf("Engine running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// loadEnsemble builds the classifier ensemble from one of ENSEMBLE_MANIFEST
// (a YAML file pinning ranges to model directories explicitly),
// ENSEMBLE_DIR (the slot_<start>_to_<end> directory-name convention),
// DATA_DIR (train from labeled reward records at startup), or MODEL_PATH
// (a single serialized model, wrapped as a degenerate one-entry ensemble).
func loadEnsemble() (*ensemble.Ensemble, error) {
	if manifestPath := os.Getenv("ENSEMBLE_MANIFEST"); manifestPath != "" {
		return ensemble.LoadManifest(manifestPath, modelFileName)
	}
	if dir := os.Getenv("ENSEMBLE_DIR"); dir != "" {
		return ensemble.LoadDir(dir, modelFileName)
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		return trainEnsemble(dataDir)
	}

	modelPath := requireEnv("MODEL_PATH")
	m, err := modelfile.LoadFile(modelPath)
	if err != nil {
		return nil, err
	}
	return ensemble.Single(m)
}

// trainEnsemble builds the ensemble from scratch at startup out of the
// labeled training tree under dataDir. The model is immutable once built;
// retraining means restarting the process (online learning is out of scope).
func trainEnsemble(dataDir string) (*ensemble.Ensemble, error) {
	matcher, err := graffiti.LoadFile(requireEnv("GRAFFITI_CONFIG"))
	if err != nil {
		return nil, err
	}
	cfg, err := trainingConfigFromEnv()
	if err != nil {
		return nil, err
	}

	log.Printf("Training classifier ensemble from %s...", dataDir)
	ranges, err := ensemble.TrainDir(dataDir, cfg, matcher)
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		log.Printf("Trained range [%d,%d]: %d samples, enabled clients %v", r.Start, r.End, r.Result.Matrix.Len(), r.Result.EnabledClients)
	}
	return ensemble.FromTrained(ranges)
}

// trainingConfigFromEnv assembles the training configuration shared by the
// engine's startup training path and cmd/train: the default feature set plus
// the GROUPED_CLIENTS and GRAFFITI_ONLY_CLIENTS lists.
func trainingConfigFromEnv() (training.Config, error) {
	graffitiOnly, err := training.ParseClientList(os.Getenv("GRAFFITI_ONLY_CLIENTS"))
	if err != nil {
		return training.Config{}, err
	}
	return training.Config{
		FeatureNames: features.DefaultFeatures,
		GroupedInto:  training.ParseGroupedList(os.Getenv("GROUPED_CLIENTS")),
		GraffitiOnly: graffitiOnly,
	}, nil
}

// beaconNodeFrom builds a beaconnode.Client, or for a comma-separated
// BN_URL, a round-robin beaconnode.Pool.
func beaconNodeFrom(bnURL string) ingest.BeaconNode {
	urls := strings.Split(bnURL, ",")
	if len(urls) == 1 {
		return beaconnode.New(strings.TrimSpace(urls[0]), defaultTimeout)
	}
	return beaconnode.NewPool(urls, defaultTimeout)
}

// broadcastInsert wires every persisted batch to the websocket hub and the
// per-label classification counter, without internal/ingest depending on
// internal/api or internal/opsmetrics directly.
func broadcastInsert(hub *api.Hub, metrics *opsmetrics.Metrics) ingest.OnInsert {
	return func(rows []models.BlockRow) {
		for _, row := range rows {
			hub.BroadcastRow(row)
			metrics.ObserveClassification(row.BestGuessSingle)
		}
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
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
