package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rawblock/clientprint/internal/features"
	"github.com/rawblock/clientprint/pkg/models"
)

func writeRecord(t *testing.T, dir, name string, r models.RewardRecord) {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadDisablesEmptyClient(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, filepath.Join(root, "Prysm"), "a.json", models.RewardRecord{
		BlockRoot: "0x1",
		AttestationRewards: models.AttestationRewards{
			PerAttestationRewards: []map[string]int64{{"1": 10}},
		},
	})
	// Nimbus subdirectory absent entirely.

	res, err := Load(root, Config{FeatureNames: features.DefaultFeatures})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	found := false
	for _, c := range res.EnabledClients {
		if c == models.Prysm {
			found = true
		}
		if c == models.Nimbus {
			t.Errorf("Nimbus should be disabled (no subdirectory), got enabled")
		}
	}
	if !found {
		t.Errorf("Prysm should be enabled, got %v", res.EnabledClients)
	}
}

func TestLoadGraffitiOnlyContributesNoRows(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, filepath.Join(root, "Lodestar"), "a.json", models.RewardRecord{
		BlockRoot: "0x1",
		AttestationRewards: models.AttestationRewards{
			PerAttestationRewards: []map[string]int64{{"1": 10}},
		},
	})

	res, err := Load(root, Config{
		FeatureNames: features.DefaultFeatures,
		GraffitiOnly: []models.ClientLabel{models.Lodestar},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Matrix.Len() != 0 {
		t.Errorf("graffiti-only client should contribute zero rows, got %d", res.Matrix.Len())
	}
	if !res.GraffitiOnly[models.Lodestar] {
		t.Errorf("Lodestar should be marked graffiti-only")
	}
	for _, c := range res.EnabledClients {
		if c == models.Lodestar {
			t.Errorf("graffiti-only client must not appear in EnabledClients")
		}
	}
}

func TestParseClientList(t *testing.T) {
	got, err := ParseClientList("Lodestar, Nimbus")
	if err != nil {
		t.Fatalf("ParseClientList: %v", err)
	}
	if len(got) != 2 || got[0] != models.Lodestar || got[1] != models.Nimbus {
		t.Fatalf("ParseClientList = %v, want [Lodestar Nimbus]", got)
	}

	if _, err := ParseClientList("Lodestar,NotAClient"); err == nil {
		t.Fatal("expected error for a name outside the closed set, got nil")
	}

	got, err = ParseClientList("")
	if err != nil || got != nil {
		t.Fatalf("ParseClientList(\"\") = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestParseGroupedList(t *testing.T) {
	got := ParseGroupedList("Grandine, Besu")
	if len(got) != 2 || got["Grandine"] != models.Other || got["Besu"] != models.Other {
		t.Fatalf("ParseGroupedList = %v, want both grouped into Other", got)
	}
}

func TestLoadGroupedIntoOther(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, filepath.Join(root, "Besu"), "a.json", models.RewardRecord{
		BlockRoot: "0x1",
		AttestationRewards: models.AttestationRewards{
			PerAttestationRewards: []map[string]int64{{"1": 10}},
		},
	})

	res, err := Load(root, Config{
		FeatureNames: features.DefaultFeatures,
		GroupedInto:  map[string]models.ClientLabel{"Besu": models.Other},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Matrix.Len() != 1 {
		t.Fatalf("expected 1 row grouped into Other, got %d", res.Matrix.Len())
	}
	found := false
	for _, c := range res.EnabledClients {
		if c == models.Other {
			found = true
		}
	}
	if !found {
		t.Errorf("Other should be enabled once a client is grouped into it")
	}
}
