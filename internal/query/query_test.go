package query

import (
	"context"
	"strings"
	"testing"

	"github.com/rawblock/clientprint/pkg/models"
)

// fakeReader implements Reader over an in-memory row set, keyed by
// validator index, for exercising PeriodLabels without a real store.
type fakeReader struct {
	byValidator map[uint64][]models.BlockRow
}

func (f *fakeReader) ValidatorBlocks(ctx context.Context, validatorIndex uint64, sinceSlot uint64) ([]models.BlockRow, error) {
	var out []models.BlockRow
	for _, row := range f.byValidator[validatorIndex] {
		if row.Slot >= sinceSlot {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeReader) BlocksPerClient(ctx context.Context, startSlot, endSlot uint64) (map[models.ClientLabel]int, error) {
	return nil, nil
}

func withProb(label models.ClientLabel, slot uint64, prob float64) models.BlockRow {
	return models.BlockRow{
		Slot:            slot,
		BestGuessSingle: label,
		Probabilities:   map[models.ClientLabel]float64{label: prob},
	}
}

func TestPeriodLabelsEmptyHistoryIsUnknown(t *testing.T) {
	r := &fakeReader{byValidator: map[uint64][]models.BlockRow{}}
	got, err := PeriodLabels(context.Background(), r, Period{PeriodID: "p1", EndSlot: 100, NumActiveValidators: 1})
	if err != nil {
		t.Fatalf("PeriodLabels: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].KRecent != models.Unknown || got[0].Mode != models.Unknown || got[0].Med95 != models.Unknown {
		t.Fatalf("empty-history labels = %+v, want all Unknown", got[0])
	}
}

// TestGuessKRecentMatchesModeOverFullWindow guards against reintroducing a
// "last k proposals" narrowing: five proposals precede end_slot, four of
// them Teku and one Prysm, so the mode over the whole window is Teku. A
// windowed implementation that only looked at the last few slots (picking
// up the lone Prysm proposal at slot 500 or thereabouts) would disagree.
func TestGuessKRecentMatchesModeOverFullWindow(t *testing.T) {
	rows := []models.BlockRow{
		withProb(models.Teku, 100, 1.0),
		withProb(models.Teku, 200, 1.0),
		withProb(models.Teku, 300, 1.0),
		withProb(models.Teku, 400, 1.0),
		withProb(models.Prysm, 500, 1.0),
	}
	r := &fakeReader{byValidator: map[uint64][]models.BlockRow{0: rows}}

	got, err := PeriodLabels(context.Background(), r, Period{PeriodID: "p1", EndSlot: 500, NumActiveValidators: 1})
	if err != nil {
		t.Fatalf("PeriodLabels: %v", err)
	}
	if got[0].KRecent != models.Teku {
		t.Fatalf("KRecent = %v, want Teku (mode over the entire slot<=end_slot history)", got[0].KRecent)
	}
	if got[0].KRecent != got[0].Mode {
		t.Fatalf("KRecent (%v) and Mode (%v) must agree when no proposal follows end_slot", got[0].KRecent, got[0].Mode)
	}
}

// guess_mode and guess_med_95 are computed over the whole proposal history;
// only guess_k_recent is scoped to the period boundary.
func TestModeAndMed95IgnorePeriodBoundary(t *testing.T) {
	rows := []models.BlockRow{
		withProb(models.Prysm, 100, 0.96),
		withProb(models.Teku, 200, 0.96),
		withProb(models.Teku, 300, 0.96),
	}
	r := &fakeReader{byValidator: map[uint64][]models.BlockRow{0: rows}}

	got, err := PeriodLabels(context.Background(), r, Period{PeriodID: "p1", EndSlot: 100, NumActiveValidators: 1})
	if err != nil {
		t.Fatalf("PeriodLabels: %v", err)
	}
	if got[0].KRecent != models.Prysm {
		t.Fatalf("KRecent = %v, want Prysm (only proposal at slot <= 100)", got[0].KRecent)
	}
	if got[0].Mode != models.Teku {
		t.Fatalf("Mode = %v, want Teku (mode over all proposals, not just slot <= 100)", got[0].Mode)
	}
	if got[0].Med95 != models.Teku {
		t.Fatalf("Med95 = %v, want Teku (medians over all proposals, not just slot <= 100)", got[0].Med95)
	}
}

// A validator whose proposals all land after the period boundary still gets
// a guess_k_recent from its actual history rather than Unknown.
func TestGuessKRecentFallsBackToWholeHistory(t *testing.T) {
	rows := []models.BlockRow{
		withProb(models.Nimbus, 600, 1.0),
		withProb(models.Nimbus, 700, 1.0),
	}
	r := &fakeReader{byValidator: map[uint64][]models.BlockRow{0: rows}}

	got, err := PeriodLabels(context.Background(), r, Period{PeriodID: "p1", EndSlot: 500, NumActiveValidators: 1})
	if err != nil {
		t.Fatalf("PeriodLabels: %v", err)
	}
	if got[0].KRecent != models.Nimbus {
		t.Fatalf("KRecent = %v, want Nimbus (fallback to the whole history)", got[0].KRecent)
	}
}

func TestGuessModeTieBrokenByClosedSetOrder(t *testing.T) {
	rows := []models.BlockRow{
		withProb(models.Teku, 1, 1.0),
		withProb(models.Prysm, 2, 1.0),
	}
	// Teku and Prysm tie 1-1; Prysm precedes Teku in the closed set.
	if got := mode(rows); got != models.Prysm {
		t.Fatalf("mode tie = %v, want Prysm", got)
	}
}

func TestGuessMed95AboveThreshold(t *testing.T) {
	rows := []models.BlockRow{
		withProb(models.Lighthouse, 1, 0.97),
		withProb(models.Lighthouse, 2, 0.98),
		withProb(models.Lighthouse, 3, 0.99),
	}
	if got := guessMed95(rows); got != models.Lighthouse {
		t.Fatalf("guessMed95 = %v, want Lighthouse", got)
	}
}

func TestGuessMed95BelowThresholdIsUncertain(t *testing.T) {
	rows := []models.BlockRow{
		withProb(models.Lighthouse, 1, 0.80),
		withProb(models.Lighthouse, 2, 0.85),
	}
	if got := guessMed95(rows); got != models.Uncertain {
		t.Fatalf("guessMed95 = %v, want Uncertain", got)
	}
}

// fakeSlotSource implements SlotSource with a fixed head and a constant
// validator count per queried slot.
type fakeSlotSource struct {
	head       uint64
	validators int
	queried    []uint64
}

func (f *fakeSlotSource) HeadSlot(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeSlotSource) ActiveValidatorCount(ctx context.Context, slot uint64) (int, error) {
	f.queried = append(f.queried, slot)
	return f.validators, nil
}

func TestBuildPeriodsCoversUpToHead(t *testing.T) {
	src := &fakeSlotSource{head: 100, validators: 7}

	// One period per epoch (32 slots) from slot 0: [0,31], [32,63],
	// [64,95], and a final partial period [96,100].
	periods, err := BuildPeriods(context.Background(), src, 0, 1)
	if err != nil {
		t.Fatalf("BuildPeriods: %v", err)
	}
	if len(periods) != 4 {
		t.Fatalf("len(periods) = %d, want 4", len(periods))
	}
	wantEnds := []uint64{31, 63, 95, 100}
	for i, p := range periods {
		if p.EndSlot != wantEnds[i] {
			t.Fatalf("period %d EndSlot = %d, want %d", i, p.EndSlot, wantEnds[i])
		}
		if p.NumActiveValidators != 7 {
			t.Fatalf("period %d NumActiveValidators = %d, want 7", i, p.NumActiveValidators)
		}
	}
	if len(src.queried) != 4 || src.queried[3] != 100 {
		t.Fatalf("validator counts queried at %v, want one query per period ending at 100", src.queried)
	}
}

func TestBuildPeriodsHeadBeforeStart(t *testing.T) {
	src := &fakeSlotSource{head: 10}
	periods, err := BuildPeriods(context.Background(), src, 100, 1)
	if err != nil {
		t.Fatalf("BuildPeriods: %v", err)
	}
	if periods != nil {
		t.Fatalf("periods = %v, want nil when head precedes start", periods)
	}
}

func TestExportCSVHeaderAndCounts(t *testing.T) {
	periods := []Period{{PeriodID: "p1", EndSlot: 100, NumActiveValidators: 2}}
	labels := map[string][]ValidatorLabels{
		"p1": {
			{ValidatorIndex: 0, Mode: models.Prysm},
			{ValidatorIndex: 1, Mode: models.Teku},
		},
	}

	csv := ExportCSV(periods, labels, GuessMode)
	lines := strings.Split(strings.TrimRight(csv, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2 (header + one period row)", len(lines))
	}
	header := lines[0]
	for _, want := range []string{"period_id", "end_slot", "num_active_validators", "Unknown", "Uncertain", "Prysm", "Teku"} {
		if !strings.Contains(header, want) {
			t.Fatalf("header %q missing column %q", header, want)
		}
	}
	if !strings.HasPrefix(lines[1], "p1,100,2,") {
		t.Fatalf("row = %q, want prefix %q", lines[1], "p1,100,2,")
	}
}
