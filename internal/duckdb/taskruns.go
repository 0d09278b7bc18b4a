package duckdb

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/crucible-data/refinery/internal/model"
)

// CreateTaskRun persists a new run in running state.
func (s *Store) CreateTaskRun(ctx context.Context, run *model.TaskRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO task_runs (run_id, consumer_id, status, offset_before, offset_after, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, run.ConsumerID, run.Status, run.OffsetBefore, run.OffsetAfter, run.StartedAt)
		return err
	})
}

// FinishTaskRun records the terminal state of a run.
func (s *Store) FinishTaskRun(ctx context.Context, run *model.TaskRun) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE task_runs
			SET status = ?, offset_after = ?, transformed = ?, dead_lettered = ?, error_detail = ?, finished_at = ?
			WHERE run_id = ?`,
			run.Status, run.OffsetAfter, run.Transformed, run.DeadLettered, run.ErrorDetail, run.FinishedAt, run.RunID)
		return err
	})
}

// ListTaskRuns returns run history for a consumer, most recent first.
func (s *Store) ListTaskRuns(ctx context.Context, consumerID string, limit int) ([]*model.TaskRun, error) {
	if limit <= 0 {
		limit = model.DefaultRunHistory
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT run_id, consumer_id, status, offset_before, offset_after, transformed, dead_lettered, error_detail, started_at, finished_at
		FROM task_runs WHERE consumer_id = ? ORDER BY started_at DESC LIMIT ?`, consumerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.TaskRun
	for rows.Next() {
		var (
			r        model.TaskRun
			finished sql.NullTime
		)
		if err := rows.Scan(&r.RunID, &r.ConsumerID, &r.Status, &r.OffsetBefore, &r.OffsetAfter,
			&r.Transformed, &r.DeadLettered, &r.ErrorDetail, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// RecoverStaleRuns marks runs left in running state by a crashed process as
// failed. Their offsets never advanced, so the next scheduler tick simply
// retries the same pending range.
func (s *Store) RecoverStaleRuns(ctx context.Context) (int, error) {
	var recovered int
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE task_runs
			SET status = ?, error_detail = 'interrupted by process restart', finished_at = ?
			WHERE status = ?`,
			model.RunStatusFailed, time.Now().UTC(), model.RunStatusRunning)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		recovered = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		log.Printf("duckdb: recovered %d stale task runs left running by a previous process", recovered)
	}
	return recovered, nil
}
