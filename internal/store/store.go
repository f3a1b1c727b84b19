// Package store is the durable, keyed block-provenance table, backed by a
// single-file embedded relational engine (modernc.org/sqlite, pure Go, no
// cgo). Writes are serialized through a single *sql.DB with its connection
// pool capped at one; reads share that same connection, so they are
// serialized too.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/rawblock/clientprint/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	slot             INTEGER NOT NULL,
	parent_slot      INTEGER NOT NULL,
	proposer_index   INTEGER NOT NULL,
	best_guess_single TEXT NOT NULL,
	best_guess_multi  TEXT NOT NULL,
	pr_lighthouse REAL NOT NULL DEFAULT 0,
	pr_lodestar   REAL NOT NULL DEFAULT 0,
	pr_nimbus     REAL NOT NULL DEFAULT 0,
	pr_other      REAL NOT NULL DEFAULT 0,
	pr_prysm      REAL NOT NULL DEFAULT 0,
	pr_teku       REAL NOT NULL DEFAULT 0,
	graffiti_guess TEXT,
	UNIQUE(slot, proposer_index)
);
CREATE INDEX IF NOT EXISTS idx_blocks_proposer ON blocks(proposer_index);
CREATE INDEX IF NOT EXISTS idx_blocks_slot ON blocks(slot);
`

// Store is a handle to the block-provenance table. It holds the set of
// client labels this process considers "enabled" purely so read queries
// like BlocksPerClient can pre-populate a zero count for every trained
// client.
type Store struct {
	db             *sql.DB
	enabledClients []models.ClientLabel
}

// Open opens (creating if necessary) a sqlite database at path and ensures
// the schema exists. enabledClients is the trained-client list used to
// pre-populate zero counts in aggregate queries.
func Open(path string, enabledClients []models.ClientLabel) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single writer: the engine's own locking would otherwise allow
	// concurrent writers to race on the uniqueness constraint across
	// separate connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &Store{db: db, enabledClients: enabledClients}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBlocks commits rows as a single transaction, one batch per
// request or backfill chunk. Per-row unique violations on (slot, proposer_index)
// are silently absorbed via INSERT OR IGNORE — re-ingestion is a no-op, not
// an error — but any other failure aborts and rolls back the whole batch.
func (s *Store) InsertBlocks(ctx context.Context, rows []models.BlockRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO blocks
			(slot, parent_slot, proposer_index, best_guess_single, best_guess_multi,
			 pr_lighthouse, pr_lodestar, pr_nimbus, pr_other, pr_prysm, pr_teku, graffiti_guess)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		var graffitiGuess interface{}
		if row.GraffitiGuess != nil {
			graffitiGuess = string(*row.GraffitiGuess)
		}
		_, err := stmt.ExecContext(ctx,
			row.Slot, row.ParentSlot, row.ProposerIndex, string(row.BestGuessSingle), row.BestGuessMulti,
			row.Probabilities[models.Lighthouse],
			row.Probabilities[models.Lodestar],
			row.Probabilities[models.Nimbus],
			row.Probabilities[models.Other],
			row.Probabilities[models.Prysm],
			row.Probabilities[models.Teku],
			graffitiGuess,
		)
		if err != nil {
			return fmt.Errorf("store: insert block (slot=%d, proposer=%d): %w", row.Slot, row.ProposerIndex, err)
		}
	}

	return tx.Commit()
}

// MaxSlot returns the greatest persisted slot, or 0 if the store is empty.
func (s *Store) MaxSlot(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(slot) FROM blocks`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: max slot: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// RowCount returns the total number of persisted block rows. Callers use
// this to feed the store-size gauge in internal/opsmetrics without the
// store package depending on that package.
func (s *Store) RowCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: row count: %w", err)
	}
	return n, nil
}

// ParentGap is one row returned by MissingParents: a persisted block whose
// parent slot has no corresponding persisted row.
type ParentGap struct {
	Slot       uint64
	ParentSlot uint64
}

// MissingParents returns every persisted row whose parent_slot is not
// itself persisted and whose slot is not 1 (slot 1's parent, the genesis
// block, is exempt).
func (s *Store) MissingParents(ctx context.Context) ([]ParentGap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.slot, b.parent_slot
		FROM blocks b
		WHERE b.slot != 1
		  AND NOT EXISTS (SELECT 1 FROM blocks p WHERE p.slot = b.parent_slot)
		ORDER BY b.slot ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: missing parents: %w", err)
	}
	defer rows.Close()

	var out []ParentGap
	for rows.Next() {
		var g ParentGap
		if err := rows.Scan(&g.Slot, &g.ParentSlot); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GreatestSlotBelow returns the largest persisted slot strictly less than
// s, and whether any such slot exists.
func (s *Store) GreatestSlotBelow(ctx context.Context, slot uint64) (uint64, bool, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(slot) FROM blocks WHERE slot < ?`, slot).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("store: greatest slot below %d: %w", slot, err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}

// SyncGaps computes the disjoint, closed slot ranges with no persisted
// block: for each (block_slot, parent_slot) pair missing a persisted
// parent, let p = GreatestSlotBelow(parent_slot); the gap is
// [p+1, block_slot-1], or [0, block_slot-1] if no such p exists.
func (s *Store) SyncGaps(ctx context.Context) ([]models.SyncGap, error) {
	missing, err := s.MissingParents(ctx)
	if err != nil {
		return nil, err
	}

	var gaps []models.SyncGap
	for _, g := range missing {
		p, ok, err := s.GreatestSlotBelow(ctx, g.ParentSlot)
		if err != nil {
			return nil, err
		}
		var start uint64
		if ok {
			start = p + 1
		} else {
			start = 0
		}
		if g.Slot == 0 {
			continue
		}
		end := g.Slot - 1
		if start > end {
			continue
		}
		gaps = append(gaps, models.SyncGap{Start: start, End: end})
	}

	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Start < gaps[j].Start })
	return gaps, nil
}

// SyncStatus reports the greatest persisted slot and whether the store has
// no outstanding missing-parent rows.
func (s *Store) SyncStatus(ctx context.Context) (maxSlot uint64, synced bool, err error) {
	maxSlot, err = s.MaxSlot(ctx)
	if err != nil {
		return 0, false, err
	}
	missing, err := s.MissingParents(ctx)
	if err != nil {
		return 0, false, err
	}
	return maxSlot, len(missing) == 0, nil
}

// BlocksPerClient returns a frequency table over best_guess_single in
// [startSlot, endSlot), pre-populated with a zero count for every enabled
// client plus Uncertain.
func (s *Store) BlocksPerClient(ctx context.Context, startSlot, endSlot uint64) (map[models.ClientLabel]int, error) {
	counts := make(map[models.ClientLabel]int, len(s.enabledClients)+1)
	for _, c := range s.enabledClients {
		counts[c] = 0
	}
	counts[models.Uncertain] = 0

	rows, err := s.db.QueryContext(ctx, `
		SELECT best_guess_single, COUNT(*)
		FROM blocks
		WHERE slot >= ? AND slot < ?
		GROUP BY best_guess_single
	`, startSlot, endSlot)
	if err != nil {
		return nil, fmt.Errorf("store: blocks per client: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var label string
		var count int
		if err := rows.Scan(&label, &count); err != nil {
			return nil, err
		}
		counts[models.ClientLabel(label)] = count
	}
	return counts, rows.Err()
}

// ValidatorBlocks returns every row proposed by validatorIndex at slot >=
// sinceSlot, ordered by slot ascending.
func (s *Store) ValidatorBlocks(ctx context.Context, validatorIndex uint64, sinceSlot uint64) ([]models.BlockRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot, parent_slot, proposer_index, best_guess_single, best_guess_multi,
		       pr_lighthouse, pr_lodestar, pr_nimbus, pr_other, pr_prysm, pr_teku, graffiti_guess
		FROM blocks
		WHERE proposer_index = ? AND slot >= ?
		ORDER BY slot ASC
	`, validatorIndex, sinceSlot)
	if err != nil {
		return nil, fmt.Errorf("store: validator blocks: %w", err)
	}
	defer rows.Close()
	return scanBlockRows(rows)
}

// LatestBlock is one proposer's highest-slot row, label only.
type LatestBlock struct {
	ProposerIndex   uint64             `json:"proposer_index"`
	Slot            uint64             `json:"slot"`
	BestGuessSingle models.ClientLabel `json:"best_guess_single"`
}

// AllValidatorsLatestBlocks returns, for every proposer that has proposed
// at least one persisted block, its highest-slot row.
func (s *Store) AllValidatorsLatestBlocks(ctx context.Context) ([]LatestBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.proposer_index, b.slot, b.best_guess_single
		FROM blocks b
		WHERE b.slot = (SELECT MAX(slot) FROM blocks WHERE proposer_index = b.proposer_index)
		ORDER BY b.proposer_index ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: all validators latest blocks: %w", err)
	}
	defer rows.Close()

	var out []LatestBlock
	for rows.Next() {
		var lb LatestBlock
		var label string
		if err := rows.Scan(&lb.ProposerIndex, &lb.Slot, &label); err != nil {
			return nil, err
		}
		lb.BestGuessSingle = models.ClientLabel(label)
		out = append(out, lb)
	}
	return out, rows.Err()
}

// Blocks returns every row in [startSlot, endSlot); a nil endSlot scans to
// the end of the table.
func (s *Store) Blocks(ctx context.Context, startSlot uint64, endSlot *uint64) ([]models.BlockRow, error) {
	var rows *sql.Rows
	var err error
	if endSlot != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT slot, parent_slot, proposer_index, best_guess_single, best_guess_multi,
			       pr_lighthouse, pr_lodestar, pr_nimbus, pr_other, pr_prysm, pr_teku, graffiti_guess
			FROM blocks
			WHERE slot >= ? AND slot < ?
			ORDER BY slot ASC
		`, startSlot, *endSlot)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT slot, parent_slot, proposer_index, best_guess_single, best_guess_multi,
			       pr_lighthouse, pr_lodestar, pr_nimbus, pr_other, pr_prysm, pr_teku, graffiti_guess
			FROM blocks
			WHERE slot >= ?
			ORDER BY slot ASC
		`, startSlot)
	}
	if err != nil {
		return nil, fmt.Errorf("store: blocks range scan: %w", err)
	}
	defer rows.Close()
	return scanBlockRows(rows)
}

// Confusion computes the four confusion-matrix cells for client over
// [slotLower, slotUpper] against graffiti ground truth.
func (s *Store) Confusion(ctx context.Context, client models.ClientLabel, slotLower, slotUpper uint64) (models.ConfusionCounts, error) {
	var counts models.ConfusionCounts
	clientStr := string(client)

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks
		WHERE slot BETWEEN ? AND ? AND best_guess_single = ? AND graffiti_guess = ?
	`, slotLower, slotUpper, clientStr, clientStr)
	if err := row.Scan(&counts.TruePositive); err != nil {
		return counts, fmt.Errorf("store: confusion TP: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks
		WHERE slot BETWEEN ? AND ?
		  AND best_guess_single != ? AND graffiti_guess IS NOT NULL AND graffiti_guess != ?
	`, slotLower, slotUpper, clientStr, clientStr)
	if err := row.Scan(&counts.TrueNegative); err != nil {
		return counts, fmt.Errorf("store: confusion TN: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks
		WHERE slot BETWEEN ? AND ?
		  AND best_guess_single = ? AND graffiti_guess IS NOT NULL AND graffiti_guess != ?
	`, slotLower, slotUpper, clientStr, clientStr)
	if err := row.Scan(&counts.FalsePositive); err != nil {
		return counts, fmt.Errorf("store: confusion FP: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks
		WHERE slot BETWEEN ? AND ? AND best_guess_single != ? AND graffiti_guess = ?
	`, slotLower, slotUpper, clientStr, clientStr)
	if err := row.Scan(&counts.FalseNegative); err != nil {
		return counts, fmt.Errorf("store: confusion FN: %w", err)
	}

	return counts, nil
}

func scanBlockRows(rows *sql.Rows) ([]models.BlockRow, error) {
	var out []models.BlockRow
	for rows.Next() {
		var row models.BlockRow
		var best, multi string
		var prLighthouse, prLodestar, prNimbus, prOther, prPrysm, prTeku float64
		var graffitiGuess sql.NullString

		if err := rows.Scan(&row.Slot, &row.ParentSlot, &row.ProposerIndex, &best, &multi,
			&prLighthouse, &prLodestar, &prNimbus, &prOther, &prPrysm, &prTeku, &graffitiGuess); err != nil {
			return nil, err
		}

		row.BestGuessSingle = models.ClientLabel(best)
		row.BestGuessMulti = multi
		row.Probabilities = map[models.ClientLabel]float64{
			models.Lighthouse: prLighthouse,
			models.Lodestar:   prLodestar,
			models.Nimbus:     prNimbus,
			models.Other:      prOther,
			models.Prysm:      prPrysm,
			models.Teku:       prTeku,
		}
		if graffitiGuess.Valid {
			g := models.ClientLabel(graffitiGuess.String)
			row.GraffitiGuess = &g
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
