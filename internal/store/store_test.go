package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rawblock/clientprint/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocks.db")
	st, err := Open(path, []models.ClientLabel{models.Prysm, models.Lighthouse})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func row(slot, parentSlot, proposer uint64, label models.ClientLabel, graffiti *models.ClientLabel) models.BlockRow {
	return models.BlockRow{
		Slot:            slot,
		ParentSlot:      parentSlot,
		ProposerIndex:   proposer,
		BestGuessSingle: label,
		BestGuessMulti:  string(label),
		Probabilities:   map[models.ClientLabel]float64{label: 1.0},
		GraffitiGuess:   graffiti,
	}
}

// A store containing slots {1, 5, 6} with parent_slot(5)=4 has exactly
// one missing parent and one gap, [2,4].
func TestSyncGapsFromMissingParent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	rows := []models.BlockRow{
		row(1, 0, 1, models.Prysm, nil),
		row(5, 4, 2, models.Prysm, nil),
		row(6, 5, 3, models.Prysm, nil),
	}
	if err := st.InsertBlocks(ctx, rows); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}

	missing, err := st.MissingParents(ctx)
	if err != nil {
		t.Fatalf("MissingParents: %v", err)
	}
	if len(missing) != 1 || missing[0].Slot != 5 || missing[0].ParentSlot != 4 {
		t.Fatalf("MissingParents = %+v, want [{5 4}]", missing)
	}

	below, ok, err := st.GreatestSlotBelow(ctx, 4)
	if err != nil {
		t.Fatalf("GreatestSlotBelow: %v", err)
	}
	if !ok || below != 1 {
		t.Fatalf("GreatestSlotBelow(4) = (%d, %v), want (1, true)", below, ok)
	}

	gaps, err := st.SyncGaps(ctx)
	if err != nil {
		t.Fatalf("SyncGaps: %v", err)
	}
	if len(gaps) != 1 || gaps[0].Start != 2 || gaps[0].End != 4 {
		t.Fatalf("SyncGaps = %+v, want [{2 4}]", gaps)
	}
}

// Inserting the same record twice must yield the same store state as
// inserting it once.
func TestIngestIdempotence(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	r := row(10, 9, 1, models.Prysm, nil)
	if err := st.InsertBlocks(ctx, []models.BlockRow{r}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := st.InsertBlocks(ctx, []models.BlockRow{r}); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	blocks, err := st.Blocks(ctx, 0, nil)
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1 (duplicate insert must be absorbed)", len(blocks))
	}
}

func TestBlocksPerClientPrePopulatesZero(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.InsertBlocks(ctx, []models.BlockRow{row(10, 9, 1, models.Prysm, nil)}); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}

	counts, err := st.BlocksPerClient(ctx, 0, 100)
	if err != nil {
		t.Fatalf("BlocksPerClient: %v", err)
	}
	if counts[models.Prysm] != 1 {
		t.Fatalf("counts[Prysm] = %d, want 1", counts[models.Prysm])
	}
	if _, ok := counts[models.Lighthouse]; !ok {
		t.Fatalf("counts missing zero-prepopulated Lighthouse entry: %v", counts)
	}
	if _, ok := counts[models.Uncertain]; !ok {
		t.Fatalf("counts missing zero-prepopulated Uncertain entry: %v", counts)
	}
}

func TestConfusionCounts(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	prysm := models.Prysm
	teku := models.Teku
	rows := []models.BlockRow{
		row(1, 0, 1, models.Prysm, &prysm), // TP
		row(2, 1, 2, models.Teku, &teku),   // TN for Prysm
		row(3, 2, 3, models.Prysm, &teku),  // FP for Prysm
		row(4, 3, 4, models.Teku, &prysm),  // FN for Prysm
	}
	if err := st.InsertBlocks(ctx, rows); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}

	counts, err := st.Confusion(ctx, models.Prysm, 0, 10)
	if err != nil {
		t.Fatalf("Confusion: %v", err)
	}
	if counts.TruePositive != 1 || counts.TrueNegative != 1 || counts.FalsePositive != 1 || counts.FalseNegative != 1 {
		t.Fatalf("Confusion = %+v, want {1 1 1 1}", counts)
	}
}

func TestSyncStatusReportsSyncedWhenNoGaps(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.InsertBlocks(ctx, []models.BlockRow{row(1, 0, 1, models.Prysm, nil)}); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}

	maxSlot, synced, err := st.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if maxSlot != 1 || !synced {
		t.Fatalf("SyncStatus = (%d, %v), want (1, true)", maxSlot, synced)
	}
}
