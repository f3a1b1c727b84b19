// Package query is the read-only aggregation layer: period labeling per
// validator, CSV export over those labels, and client diversity
// diagnostics.
package query

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rawblock/clientprint/internal/beaconnode"
	"github.com/rawblock/clientprint/internal/store"
	"github.com/rawblock/clientprint/pkg/models"
)

// Period is one (period_id, end_slot, num_active_validators) input element
// to PeriodLabels.
type Period struct {
	PeriodID            string
	EndSlot             uint64
	NumActiveValidators uint64
}

// GuessColumn is the closed set of label-derivation strategies a caller
// may export. Keeping it a typed enum means no caller-supplied string is
// ever interpolated into a query or used to pick a map key without a
// membership check.
type GuessColumn int

const (
	GuessKRecent GuessColumn = iota
	GuessMode
	GuessMed95
)

// ValidatorLabels holds the three derived labels for one validator within
// one period.
type ValidatorLabels struct {
	ValidatorIndex uint64
	KRecent        models.ClientLabel
	Mode           models.ClientLabel
	Med95          models.ClientLabel
}

// Reader is the subset of internal/store's Store this package needs.
type Reader interface {
	ValidatorBlocks(ctx context.Context, validatorIndex uint64, sinceSlot uint64) ([]models.BlockRow, error)
	BlocksPerClient(ctx context.Context, startSlot, endSlot uint64) (map[models.ClientLabel]int, error)
}

var _ Reader = (*store.Store)(nil)

// PeriodLabels computes ValidatorLabels for every validator index in
// [0, period.NumActiveValidators). Only guess_k_recent is scoped to the
// period boundary (slot <= period.EndSlot, falling back to the whole
// history when nothing precedes it); guess_mode and guess_med_95 are
// computed over the validator's entire proposal history regardless of the
// period.
//
// guess_k_recent is, despite its name, the mode over the validator's
// entire slot <= end_slot history: its nominal "last k proposals" window is
// sized at max(k, number of proposals), which always covers the whole
// history, so there is no narrower windowing.
func PeriodLabels(ctx context.Context, r Reader, period Period) ([]ValidatorLabels, error) {
	out := make([]ValidatorLabels, 0, period.NumActiveValidators)

	for idx := uint64(0); idx < period.NumActiveValidators; idx++ {
		history, err := r.ValidatorBlocks(ctx, idx, 0)
		if err != nil {
			return nil, fmt.Errorf("query: validator %d history: %w", idx, err)
		}

		var upToEnd []models.BlockRow
		for _, row := range history {
			if row.Slot <= period.EndSlot {
				upToEnd = append(upToEnd, row)
			}
		}

		labels := ValidatorLabels{
			ValidatorIndex: idx,
			KRecent:        guessKRecent(upToEnd, history),
			Mode:           guessMode(history),
			Med95:          guessMed95(history),
		}
		out = append(out, labels)
	}

	return out, nil
}

// guessKRecent computes guess_k_recent: the mode over every proposal at
// slot <= end_slot (see PeriodLabels' doc comment on the window sizing).
// When no proposal precedes the boundary it falls back to the whole
// history, returning Unknown only when that too is empty.
func guessKRecent(upToEnd, history []models.BlockRow) models.ClientLabel {
	if len(upToEnd) == 0 {
		upToEnd = history
	}
	if len(upToEnd) == 0 {
		return models.Unknown
	}
	return mode(upToEnd)
}

func guessMode(rows []models.BlockRow) models.ClientLabel {
	if len(rows) == 0 {
		return models.Unknown
	}
	return mode(rows)
}

// mode returns the most frequent best_guess_single among rows, ties broken
// by closed-set order (lower index wins), matching the k-NN's own
// tie-break discipline.
func mode(rows []models.BlockRow) models.ClientLabel {
	counts := make(map[models.ClientLabel]int)
	for _, row := range rows {
		counts[row.BestGuessSingle]++
	}

	best := models.Uncertain
	bestCount := -1
	bestIdx := len(models.ClosedSet) + 1
	for label, count := range counts {
		idx := models.IndexInClosedSet(label)
		if idx < 0 {
			idx = len(models.ClosedSet)
		}
		if count > bestCount || (count == bestCount && idx < bestIdx) {
			best = label
			bestCount = count
			bestIdx = idx
		}
	}
	return best
}

// guessMed95 takes, per client, the median of that client's probability
// across all proposals (a proposal with no probability for a client counts
// as 0); the winning client is the argmax of those medians.
// If the winning median exceeds 0.95 it is returned, else Uncertain; an
// empty history returns Unknown.
func guessMed95(rows []models.BlockRow) models.ClientLabel {
	if len(rows) == 0 {
		return models.Unknown
	}

	perClient := make(map[models.ClientLabel][]float64)
	for _, row := range rows {
		for _, label := range models.ClosedSet {
			perClient[label] = append(perClient[label], row.Probabilities[label])
		}
	}

	best := models.Uncertain
	bestMedian := -1.0
	bestIdx := len(models.ClosedSet) + 1
	for _, label := range models.ClosedSet {
		probs, ok := perClient[label]
		if !ok {
			continue
		}
		m := median(probs)
		idx := models.IndexInClosedSet(label)
		if m > bestMedian || (m == bestMedian && idx < bestIdx) {
			best = label
			bestMedian = m
			bestIdx = idx
		}
	}

	if bestMedian > 0.95 {
		return best
	}
	return models.Uncertain
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// pick selects the guess column requested by column from a ValidatorLabels.
func pick(vl ValidatorLabels, column GuessColumn) models.ClientLabel {
	switch column {
	case GuessKRecent:
		return vl.KRecent
	case GuessMode:
		return vl.Mode
	case GuessMed95:
		return vl.Med95
	default:
		return models.Unknown
	}
}

// ExportCSV renders one row per period, columns
// period_id, end_slot, num_active_validators, Unknown, Uncertain, <CLIENTS...>,
// with values counted over the requested guess column. The column set is
// fixed by the closed label set, never built from caller input.
func ExportCSV(periods []Period, labelsByPeriod map[string][]ValidatorLabels, column GuessColumn) string {
	var b strings.Builder

	header := []string{"period_id", "end_slot", "num_active_validators", string(models.Unknown), string(models.Uncertain)}
	for _, c := range models.ClosedSet {
		header = append(header, string(c))
	}
	b.WriteString(strings.Join(header, ","))
	b.WriteString("\n")

	for _, p := range periods {
		counts := make(map[models.ClientLabel]int)
		for _, vl := range labelsByPeriod[p.PeriodID] {
			counts[pick(vl, column)]++
		}

		row := []string{
			p.PeriodID,
			fmt.Sprintf("%d", p.EndSlot),
			fmt.Sprintf("%d", p.NumActiveValidators),
			fmt.Sprintf("%d", counts[models.Unknown]),
			fmt.Sprintf("%d", counts[models.Uncertain]),
		}
		for _, c := range models.ClosedSet {
			row = append(row, fmt.Sprintf("%d", counts[c]))
		}
		b.WriteString(strings.Join(row, ","))
		b.WriteString("\n")
	}

	return b.String()
}

// ClientDiversity re-exposes store.BlocksPerClient as a read-only
// label-frequency diagnostic.
func ClientDiversity(ctx context.Context, r Reader, startSlot, endSlot uint64) (map[models.ClientLabel]int, error) {
	counts, err := r.BlocksPerClient(ctx, startSlot, endSlot)
	if err != nil {
		return nil, fmt.Errorf("query: client diversity: %w", err)
	}
	return counts, nil
}

// SlotSource is the subset of internal/beaconnode's client BuildPeriods
// needs: the chain head and per-slot active-validator counts.
type SlotSource interface {
	HeadSlot(ctx context.Context) (uint64, error)
	ActiveValidatorCount(ctx context.Context, slot uint64) (int, error)
}

var _ SlotSource = (*beaconnode.Client)(nil)
var _ SlotSource = (*beaconnode.Pool)(nil)

// BuildPeriods assembles the (period_id, end_slot, num_active_validators)
// list PeriodLabels consumes, one period per periodEpochs epochs starting at
// startSlot and ending at the current head. Period end slots land on epoch
// boundaries minus one, so a period covers whole epochs; the final partial
// period up to the head is included. Each period's validator count is read
// from the upstream at that period's end slot.
func BuildPeriods(ctx context.Context, src SlotSource, startSlot, periodEpochs uint64) ([]Period, error) {
	if periodEpochs == 0 {
		return nil, fmt.Errorf("query: periodEpochs must be positive")
	}
	head, err := src.HeadSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: head slot: %w", err)
	}
	if head < startSlot {
		return nil, nil
	}

	periodSlots := periodEpochs * 32
	var periods []Period
	id := 0
	for cur := startSlot; cur <= head; cur += periodSlots {
		end := cur + periodSlots - 1
		if end > head {
			end = head
		}
		count, err := src.ActiveValidatorCount(ctx, end)
		if err != nil {
			return nil, fmt.Errorf("query: active validators at slot %d: %w", end, err)
		}
		periods = append(periods, Period{
			PeriodID:            strconv.Itoa(id),
			EndSlot:             end,
			NumActiveValidators: uint64(count),
		})
		id++
	}
	return periods, nil
}
