package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrOffsetMoved indicates a guarded offset advance found the stored offset
// at a different position than the caller expected.
var ErrOffsetMoved = errors.New("duckdb: consumer offset moved since read")

// Offset returns the committed offset for a consumer, creating the offset
// row at position 0 on first use.
func (s *Store) Offset(ctx context.Context, consumerID string) (int64, error) {
	s.mu.RLock()
	rctx, cancel := s.queryCtx(ctx)
	var offset int64
	err := s.db.QueryRowContext(rctx, "SELECT last_committed FROM consumer_offsets WHERE consumer_id = ?", consumerID).Scan(&offset)
	cancel()
	s.mu.RUnlock()

	if err == nil {
		return offset, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, ierr := tx.Exec(`INSERT INTO consumer_offsets (consumer_id, last_committed, updated_at)
			VALUES (?, 0, ?) ON CONFLICT (consumer_id) DO NOTHING`,
			consumerID, time.Now().UTC())
		return ierr
	})
	if err != nil {
		return 0, err
	}
	return 0, nil
}

// AdvanceOffsetTx moves a consumer's offset inside an already-open
// transaction. The move is guarded: it fails with ErrOffsetMoved unless the
// stored offset still equals expected, which keeps a stale run from
// committing over a newer one.
func (s *Store) AdvanceOffsetTx(ctx context.Context, tx *sql.Tx, consumerID string, expected, next int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE consumer_offsets
		SET last_committed = ?, updated_at = ?
		WHERE consumer_id = ? AND last_committed = ?`,
		next, time.Now().UTC(), consumerID, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: consumer=%s expected=%d", ErrOffsetMoved, consumerID, expected)
	}
	return nil
}

// CommitWithOffset runs effect and the guarded offset advance in one write
// transaction. Either the effect's writes and the offset move both commit,
// or the transaction rolls back and neither is visible.
func (s *Store) CommitWithOffset(ctx context.Context, consumerID string, expected, next int64, effect func(tx *sql.Tx) error) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if effect != nil {
			if err := effect(tx); err != nil {
				return err
			}
		}
		return s.AdvanceOffsetTx(ctx, tx, consumerID, expected, next)
	})
}

// ForceOffset overwrites a consumer's offset unconditionally. This backs the
// administrative reset used for replays and must only be called while the
// consumer is paused.
func (s *Store) ForceOffset(ctx context.Context, consumerID string, seq int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE consumer_offsets SET last_committed = ?, updated_at = ? WHERE consumer_id = ?`,
			seq, time.Now().UTC(), consumerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			_, err = tx.Exec(`INSERT INTO consumer_offsets (consumer_id, last_committed, updated_at) VALUES (?, ?, ?)`,
				consumerID, seq, time.Now().UTC())
		}
		return err
	})
}
