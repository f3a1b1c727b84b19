package ensemble

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rawblock/clientprint/internal/classifier"
	"github.com/rawblock/clientprint/internal/features"
	"github.com/rawblock/clientprint/internal/graffiti"
	"github.com/rawblock/clientprint/internal/knn"
	"github.com/rawblock/clientprint/internal/modelfile"
	"github.com/rawblock/clientprint/internal/training"
	"github.com/rawblock/clientprint/pkg/models"
)

func emptyModel(t *testing.T, enabled ...models.ClientLabel) *classifier.Model {
	t.Helper()
	matcher, err := graffiti.Load([]byte("{}"))
	if err != nil {
		t.Fatalf("graffiti.Load: %v", err)
	}
	return &classifier.Model{
		FeatureNames:   nil,
		Matrix:         knn.NewMatrix(nil, nil),
		EnabledClients: enabled,
		GraffitiOnly:   map[models.ClientLabel]bool{},
		Graffiti:       matcher,
	}
}

func TestDispatchBySlot(t *testing.T) {
	early := emptyModel(t, models.Prysm)
	late := emptyModel(t, models.Teku)

	ens, err := New([]Entry{
		{Start: 0, End: 99, Model: early},
		{Start: 100, End: 199, Model: late},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := &models.RewardRecord{Meta: models.BlockMeta{Slot: 50}}
	got, err := ens.Classify(rec)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	// An empty matrix yields an empty probability map, so the graffiti
	// short-circuit never triggers (no graffiti-only clients configured)
	// and ArgMax falls back to Uncertain; the point here is routing, not
	// the label itself, so assert no error and move on to the boundary.
	_ = got

	if _, err := ens.Classify(&models.RewardRecord{Meta: models.BlockMeta{Slot: 150}}); err != nil {
		t.Fatalf("Classify at slot 150: %v", err)
	}
}

func TestOpenEndedFinalRange(t *testing.T) {
	last := emptyModel(t, models.Lodestar)
	ens, err := New([]Entry{
		{Start: 0, End: 99, Model: emptyModel(t, models.Prysm)},
		{Start: 100, End: 199, Model: last},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A slot far beyond the final entry's End still routes to it: the
	// highest-Start entry is open-ended.
	if _, err := ens.Classify(&models.RewardRecord{Meta: models.BlockMeta{Slot: 1_000_000}}); err != nil {
		t.Fatalf("Classify beyond final range: %v", err)
	}
}

func TestNoClassifierForSlotBeforeFirstRange(t *testing.T) {
	ens, err := New([]Entry{{Start: 100, End: 199, Model: emptyModel(t)}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = ens.Classify(&models.RewardRecord{Meta: models.BlockMeta{Slot: 50}})
	if err == nil {
		t.Fatal("expected NoClassifierForSlotError, got nil")
	}
	var target *NoClassifierForSlotError
	if !errors.As(err, &target) {
		t.Fatalf("expected *NoClassifierForSlotError, got %T: %v", err, err)
	}
}

func TestOverlappingRangesRejected(t *testing.T) {
	_, err := New([]Entry{
		{Start: 0, End: 100, Model: emptyModel(t)},
		{Start: 50, End: 150, Model: emptyModel(t)},
	})
	if err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestEnabledClientsUnionInClosedSetOrder(t *testing.T) {
	ens, err := New([]Entry{
		{Start: 0, End: 99, Model: emptyModel(t, models.Teku, models.Prysm)},
		{Start: 100, End: 199, Model: emptyModel(t, models.Lighthouse)},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := ens.EnabledClients()
	want := []models.ClientLabel{models.Lighthouse, models.Prysm, models.Teku}
	if len(got) != len(want) {
		t.Fatalf("EnabledClients = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("EnabledClients = %v, want %v", got, want)
		}
	}
}

func TestLoadManifestBuildsDispatchableEnsemble(t *testing.T) {
	root := t.TempDir()

	graffitiPath := filepath.Join(root, "graffiti.yaml")
	if err := os.WriteFile(graffitiPath, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write graffiti config: %v", err)
	}

	writeRange := func(subdir string, enabled ...models.ClientLabel) {
		dir := filepath.Join(root, subdir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := modelfile.SaveFile(filepath.Join(dir, "model.bin"), emptyModel(t, enabled...), graffitiPath); err != nil {
			t.Fatalf("SaveFile: %v", err)
		}
	}
	writeRange("early", models.Prysm)
	writeRange("late", models.Teku)

	manifestYAML := "ranges:\n" +
		"  - dir: early\n" +
		"    start_slot: 0\n" +
		"    end_slot: 99\n" +
		"  - dir: late\n" +
		"    start_slot: 100\n" +
		"    end_slot: 199\n"
	manifestPath := filepath.Join(root, "manifest.yaml")
	if err := os.WriteFile(manifestPath, []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	ens, err := LoadManifest(manifestPath, "model.bin")
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}

	if _, err := ens.Classify(&models.RewardRecord{Meta: models.BlockMeta{Slot: 50}}); err != nil {
		t.Fatalf("Classify at slot 50: %v", err)
	}
	if _, err := ens.Classify(&models.RewardRecord{Meta: models.BlockMeta{Slot: 150}}); err != nil {
		t.Fatalf("Classify at slot 150: %v", err)
	}

	got := ens.EnabledClients()
	want := []models.ClientLabel{models.Prysm, models.Teku}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("EnabledClients = %v, want %v", got, want)
	}
}

func writeTrainingRecord(t *testing.T, dir string, name string, rewards []int64) {
	t.Helper()
	maps := make([]map[string]int64, len(rewards))
	for i, r := range rewards {
		maps[i] = map[string]int64{"1": r}
	}
	record := models.RewardRecord{
		BlockRoot: "0x" + name,
		AttestationRewards: models.AttestationRewards{
			PerAttestationRewards: maps,
		},
	}
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestTrainDirBuildsDispatchableEnsemble(t *testing.T) {
	root := t.TempDir()
	writeTrainingRecord(t, filepath.Join(root, "slot_0_to_99", "Prysm"), "a", []int64{30, 20, 10})
	writeTrainingRecord(t, filepath.Join(root, "slot_0_to_99", "Teku"), "b", []int64{10, 20, 30})
	writeTrainingRecord(t, filepath.Join(root, "slot_100_to_199", "Prysm"), "c", []int64{5, 5})

	matcher, err := graffiti.Load([]byte("{}"))
	if err != nil {
		t.Fatalf("graffiti.Load: %v", err)
	}

	ranges, err := TrainDir(root, training.Config{FeatureNames: features.DefaultFeatures}, matcher)
	if err != nil {
		t.Fatalf("TrainDir: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("len(ranges) = %d, want 2", len(ranges))
	}

	ens, err := FromTrained(ranges)
	if err != nil {
		t.Fatalf("FromTrained: %v", err)
	}

	got, err := ens.Classify(&models.RewardRecord{
		Meta: models.BlockMeta{Slot: 50},
		AttestationRewards: models.AttestationRewards{
			PerAttestationRewards: []map[string]int64{{"1": 30}, {"1": 20}, {"1": 10}},
		},
	})
	if err != nil {
		t.Fatalf("Classify at slot 50: %v", err)
	}
	if models.IndexInClosedSet(got.Label) < 0 && got.Label != models.Uncertain {
		t.Fatalf("Label = %v, want an enabled client or Uncertain", got.Label)
	}
	if _, err := ens.Classify(&models.RewardRecord{Meta: models.BlockMeta{Slot: 150}}); err != nil {
		t.Fatalf("Classify at slot 150: %v", err)
	}
}

func TestTrainDirFlatTreeIsSingleOpenEndedRange(t *testing.T) {
	root := t.TempDir()
	writeTrainingRecord(t, filepath.Join(root, "Prysm"), "a", []int64{30, 20, 10})

	matcher, err := graffiti.Load([]byte("{}"))
	if err != nil {
		t.Fatalf("graffiti.Load: %v", err)
	}

	ranges, err := TrainDir(root, training.Config{FeatureNames: features.DefaultFeatures}, matcher)
	if err != nil {
		t.Fatalf("TrainDir: %v", err)
	}
	if len(ranges) != 1 || ranges[0].Start != 0 {
		t.Fatalf("ranges = %+v, want one open-ended range starting at 0", ranges)
	}
	if ranges[0].Result.Matrix.Len() != 1 {
		t.Fatalf("Matrix.Len = %d, want 1", ranges[0].Result.Matrix.Len())
	}

	ens, err := FromTrained(ranges)
	if err != nil {
		t.Fatalf("FromTrained: %v", err)
	}
	if _, err := ens.Classify(&models.RewardRecord{Meta: models.BlockMeta{Slot: 7_000_000}}); err != nil {
		t.Fatalf("Classify: %v", err)
	}
}

func TestSingleWrapsOneModelOpenEnded(t *testing.T) {
	ens, err := Single(emptyModel(t, models.Nimbus))
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	if _, err := ens.Classify(&models.RewardRecord{Meta: models.BlockMeta{Slot: 7_530_327}}); err != nil {
		t.Fatalf("Classify: %v", err)
	}
}
