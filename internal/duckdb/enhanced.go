package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crucible-data/refinery/internal/model"
)

// InsertEnhancedTx writes a batch of enhanced rows inside an open
// transaction. Used as (part of) the commit effect so the rows land in the
// same transaction as the offset advance.
func InsertEnhancedTx(tx *sql.Tx, records []*model.EnhancedRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO enhanced_events (event_type, ip_address, event_time, user_login, source_sequence_id, transform_timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.EventType, r.IPAddress, r.EventTime, r.UserLogin, r.SourceSequenceID, r.TransformTimestamp); err != nil {
			return fmt.Errorf("insert enhanced row (sequence=%d): %w", r.SourceSequenceID, err)
		}
	}
	return nil
}

// InsertDeadLettersTx writes dead letters inside an open transaction, so a
// malformed record is preserved in the same atomic unit that consumes it.
func InsertDeadLettersTx(tx *sql.Tx, letters []*model.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO dead_letters (source_sequence_id, source_file_id, reason, fields, occurred_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range letters {
		fieldsJSON := []byte("{}")
		if len(d.Fields) > 0 {
			if data, merr := json.Marshal(d.Fields); merr == nil {
				fieldsJSON = data
			}
		}
		if _, err := stmt.Exec(d.SourceSequenceID, d.SourceFileID, d.Reason, string(fieldsJSON), d.OccurredAt); err != nil {
			return fmt.Errorf("insert dead letter (sequence=%d): %w", d.SourceSequenceID, err)
		}
	}
	return nil
}

// EnhancedCount returns the number of rows in the enhanced table.
func (s *Store) EnhancedCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM enhanced_events").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// EnhancedBySequence returns the enhanced row derived from the given raw
// sequence id, or nil when no such row exists.
func (s *Store) EnhancedBySequence(ctx context.Context, seq int64) (*model.EnhancedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var r model.EnhancedRecord
	err := s.db.QueryRowContext(ctx, `SELECT event_type, ip_address, event_time, user_login, source_sequence_id, transform_timestamp
		FROM enhanced_events WHERE source_sequence_id = ?`, seq).
		Scan(&r.EventType, &r.IPAddress, &r.EventTime, &r.UserLogin, &r.SourceSequenceID, &r.TransformTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListDeadLetters returns the most recent dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	if limit <= 0 {
		limit = model.DefaultRunHistory
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT source_sequence_id, source_file_id, reason, fields, occurred_at
		FROM dead_letters ORDER BY occurred_at DESC, source_sequence_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*model.DeadLetter
	for rows.Next() {
		var (
			d          model.DeadLetter
			fieldsJSON string
		)
		if err := rows.Scan(&d.SourceSequenceID, &d.SourceFileID, &d.Reason, &fieldsJSON, &d.OccurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &d.Fields); err != nil {
			return nil, fmt.Errorf("decode dead letter fields (sequence=%d): %w", d.SourceSequenceID, err)
		}
		letters = append(letters, &d)
	}
	return letters, rows.Err()
}
