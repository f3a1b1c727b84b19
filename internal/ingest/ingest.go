// Package ingest runs the two independent ingest workers: a live SSE
// listener and a periodic chunked backfiller, sharing only the ensemble
// and the store. They never coordinate with each other; overlapping work
// is absorbed by the store's uniqueness constraint.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/clientprint/internal/beaconnode"
	"github.com/rawblock/clientprint/internal/ensemble"
	"github.com/rawblock/clientprint/internal/opsmetrics"
	"github.com/rawblock/clientprint/internal/store"
	"github.com/rawblock/clientprint/pkg/models"
)

// BeaconNode is the subset of internal/beaconnode's Client/Pool methods the
// ingest workers need.
type BeaconNode interface {
	HeadSlot(ctx context.Context) (uint64, error)
	BackfillRange(ctx context.Context, start, end uint64) ([]models.RewardRecord, error)
	StreamBlockRewards(ctx context.Context, onRecord func(models.RewardRecord)) error
}

var _ BeaconNode = (*beaconnode.Client)(nil)
var _ BeaconNode = (*beaconnode.Pool)(nil)

// OnInsert is called once per successfully persisted batch, letting the
// caller wire live broadcast (e.g. the websocket hub) without this package
// depending on internal/api.
type OnInsert func(rows []models.BlockRow)

// Listener subscribes to the upstream SSE block-reward stream and persists
// every record as it arrives. On any I/O or decode error it sleeps and
// reconnects from scratch; no replay state is kept, the backfiller covers
// missed slots.
type Listener struct {
	bn       BeaconNode
	ensemble *ensemble.Ensemble
	store    *store.Store
	onInsert OnInsert
}

// NewListener builds a Listener over the given upstream, ensemble, and
// store. onInsert may be nil.
func NewListener(bn BeaconNode, ens *ensemble.Ensemble, st *store.Store, onInsert OnInsert) *Listener {
	return &Listener{bn: bn, ensemble: ens, store: st, onInsert: onInsert}
}

// reconnectDelay is the fixed backoff between SSE connection attempts and
// failed worker passes.
const reconnectDelay = 5 * time.Second

// Run blocks until ctx is cancelled, reconnecting to the upstream stream
// forever.
func (l *Listener) Run(ctx context.Context) {
	log.Println("[Listener] starting live block-reward stream")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Listener] stopping")
			return
		default:
		}

		err := l.bn.StreamBlockRewards(ctx, l.handleRecord)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[Listener] stream error: %v; reconnecting in %s", err, reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) handleRecord(r models.RewardRecord) {
	if !r.Valid() {
		log.Printf("[Listener] dropping malformed record at slot %d", r.Meta.Slot)
		return
	}

	row, err := classifyToRow(l.ensemble, &r)
	if err != nil {
		log.Printf("[Listener] classify error at slot %d: %v", r.Meta.Slot, err)
		return
	}

	batchID := uuid.New().String()
	if err := l.store.InsertBlocks(context.Background(), []models.BlockRow{row}); err != nil {
		log.Printf("[Listener] insert error (batch %s, slot %d): %v", batchID, r.Meta.Slot, err)
		return
	}

	if l.onInsert != nil {
		l.onInsert([]models.BlockRow{row})
	}
}

// Backfiller periodically fills sync gaps reported by the store, chunking
// each gap to the upstream's restore-point boundary (default 2048 slots).
type Backfiller struct {
	bn           BeaconNode
	ensemble     *ensemble.Ensemble
	store        *store.Store
	onInsert     OnInsert
	restorePoint uint64
	metrics      *opsmetrics.Metrics
}

// NewBackfiller builds a Backfiller. restorePoint is the chunk-alignment
// cadence (default 2048). metrics may be nil.
func NewBackfiller(bn BeaconNode, ens *ensemble.Ensemble, st *store.Store, restorePoint uint64, onInsert OnInsert, metrics *opsmetrics.Metrics) *Backfiller {
	return &Backfiller{bn: bn, ensemble: ens, store: st, restorePoint: restorePoint, onInsert: onInsert, metrics: metrics}
}

// idleSleep is how long the backfiller waits when no gaps remain.
const idleSleep = 60 * time.Second

// Run blocks until ctx is cancelled, looping over sync_gaps() forever.
func (b *Backfiller) Run(ctx context.Context) {
	log.Println("[Backfiller] starting")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Backfiller] stopping")
			return
		default:
		}

		worked, err := b.fillOneGap(ctx)
		if err != nil {
			log.Printf("[Backfiller] error: %v; retrying in %s", err, reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		b.reportGauges(ctx)
		if !worked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// fillOneGap processes the first reported sync gap, one restore-point
// chunk at a time, and reports whether any gap was found.
func (b *Backfiller) fillOneGap(ctx context.Context) (bool, error) {
	gaps, err := b.store.SyncGaps(ctx)
	if err != nil {
		return false, fmt.Errorf("ingest: sync gaps: %w", err)
	}
	if len(gaps) == 0 {
		return false, nil
	}

	gap := gaps[0]
	chunks := Explode(gap.Start, gap.End, b.restorePoint)
	batchID := uuid.New().String()
	log.Printf("[Backfiller] batch %s: filling gap [%d,%d] in %d chunk(s)", batchID, gap.Start, gap.End, len(chunks))

	for _, chunk := range chunks {
		records, err := b.bn.BackfillRange(ctx, chunk.Start, chunk.End)
		if err != nil {
			return true, fmt.Errorf("ingest: backfill chunk [%d,%d]: %w", chunk.Start, chunk.End, err)
		}

		rows := make([]models.BlockRow, 0, len(records))
		for i := range records {
			r := records[i]
			if !r.Valid() {
				continue
			}
			row, err := classifyToRow(b.ensemble, &r)
			if err != nil {
				log.Printf("[Backfiller] batch %s: classify error at slot %d: %v", batchID, r.Meta.Slot, err)
				continue
			}
			rows = append(rows, row)
		}

		if err := b.store.InsertBlocks(ctx, rows); err != nil {
			return true, fmt.Errorf("ingest: insert chunk [%d,%d]: %w", chunk.Start, chunk.End, err)
		}
		if b.onInsert != nil && len(rows) > 0 {
			b.onInsert(rows)
		}
	}

	return true, nil
}

// reportGauges refreshes the sync-gap count, store row count, and ingest
// lag gauges after each backfill pass. Best-effort: a failed HeadSlot or
// RowCount call just skips that gauge until the next pass.
func (b *Backfiller) reportGauges(ctx context.Context) {
	if b.metrics == nil {
		return
	}

	if gaps, err := b.store.SyncGaps(ctx); err == nil {
		b.metrics.SetSyncGapCount(len(gaps))
	}

	if n, err := b.store.RowCount(ctx); err == nil {
		b.metrics.SetStoreRowCount(n)
	}

	maxSlot, err := b.store.MaxSlot(ctx)
	if err != nil {
		return
	}
	head, err := b.bn.HeadSlot(ctx)
	if err != nil || head < maxSlot {
		return
	}
	b.metrics.SetIngestLag(float64(head - maxSlot))
}

func classifyToRow(ens *ensemble.Ensemble, r *models.RewardRecord) (models.BlockRow, error) {
	result, err := ens.Classify(r)
	if err != nil {
		return models.BlockRow{}, err
	}
	return models.BlockRow{
		Slot:            r.Meta.Slot,
		ParentSlot:      r.Meta.ParentSlot,
		ProposerIndex:   r.Meta.ProposerIndex,
		BestGuessSingle: result.Label,
		BestGuessMulti:  result.MultiLabel,
		Probabilities:   result.ProbabilityMap,
		GraffitiGuess:   result.GraffitiGuess,
	}, nil
}
