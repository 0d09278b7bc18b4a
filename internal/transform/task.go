package transform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/crucible-data/refinery/internal/changelog"
	"github.com/crucible-data/refinery/internal/duckdb"
	"github.com/crucible-data/refinery/internal/model"
	"github.com/google/uuid"
)

// RunMetrics receives counters from completed runs. Implemented by the
// metrics package; a nil sink disables reporting.
type RunMetrics interface {
	RunFinished(consumerID, status string)
	RecordsTransformed(consumerID string, n int)
	RecordsDeadLettered(consumerID string, n int)
}

// Task converts pending raw records into enhanced records and commits them
// together with the offset advance. One Task serves one consumer.
type Task struct {
	consumerID string
	log        *changelog.Log
	store      *duckdb.Store
	projection Projection
	metrics    RunMetrics
}

// NewTask creates a transform task for the given consumer.
func NewTask(consumerID string, cl *changelog.Log, store *duckdb.Store, projection Projection, metrics RunMetrics) *Task {
	return &Task{
		consumerID: consumerID,
		log:        cl,
		store:      store,
		projection: projection,
		metrics:    metrics,
	}
}

// ConsumerID returns the consumer this task commits as.
func (t *Task) ConsumerID() string { return t.consumerID }

// Run executes one transform cycle:
// peek a fixed pending window, project every record (dead-lettering the
// malformed ones), and commit the batch plus the new offset atomically.
// An empty window exits early without creating a task run. The returned run
// is nil in that case.
func (t *Task) Run(ctx context.Context) (*model.TaskRun, error) {
	window, err := t.log.PeekPending(ctx, t.consumerID)
	if err != nil {
		return nil, fmt.Errorf("peek pending: %w", err)
	}
	if window.Empty() {
		return nil, nil
	}

	run := &model.TaskRun{
		RunID:        uuid.NewString(),
		ConsumerID:   t.consumerID,
		Status:       model.RunStatusRunning,
		OffsetBefore: window.FromExclusive,
		OffsetAfter:  window.FromExclusive,
		StartedAt:    time.Now().UTC(),
	}
	if err := t.store.CreateTaskRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create task run: %w", err)
	}

	enhanced, deadLetters, err := t.projectWindow(ctx, window)
	if err != nil {
		return run, t.fail(ctx, run, err)
	}

	effect := func(tx *sql.Tx) error {
		if err := duckdb.InsertEnhancedTx(tx, enhanced); err != nil {
			return err
		}
		return duckdb.InsertDeadLettersTx(tx, deadLetters)
	}
	if err := t.log.Commit(ctx, t.consumerID, window.HighWatermark, effect); err != nil {
		return run, t.fail(ctx, run, err)
	}

	run.Status = model.RunStatusSucceeded
	run.OffsetAfter = window.HighWatermark
	run.Transformed = len(enhanced)
	run.DeadLettered = len(deadLetters)
	run.FinishedAt = time.Now().UTC()
	if err := t.store.FinishTaskRun(ctx, run); err != nil {
		// The commit itself succeeded; a run-history write failure must not
		// look like a transform failure.
		log.Printf("transform: run %s committed but history update failed: %v", run.RunID, err)
	}

	if t.metrics != nil {
		t.metrics.RunFinished(t.consumerID, run.Status)
		t.metrics.RecordsTransformed(t.consumerID, run.Transformed)
		t.metrics.RecordsDeadLettered(t.consumerID, run.DeadLettered)
	}
	log.Printf("transform: run %s consumer=%s committed offset %d -> %d (%d transformed, %d dead-lettered)",
		run.RunID, t.consumerID, run.OffsetBefore, run.OffsetAfter, run.Transformed, run.DeadLettered)
	return run, nil
}

// projectWindow applies the projection to every record in the window.
// Malformed records become dead letters; any other error aborts the run.
func (t *Task) projectWindow(ctx context.Context, window *changelog.PendingWindow) ([]*model.EnhancedRecord, []*model.DeadLetter, error) {
	records, err := window.Records(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read pending window: %w", err)
	}

	var (
		enhanced    []*model.EnhancedRecord
		deadLetters []*model.DeadLetter
	)
	for _, raw := range records {
		rec, perr := t.projection.Apply(raw)
		if perr != nil {
			var malformed *MalformedRecordError
			if !errors.As(perr, &malformed) {
				return nil, nil, perr
			}
			log.Printf("transform: dead-lettering sequence %d: %v", raw.SequenceID, malformed)
			deadLetters = append(deadLetters, &model.DeadLetter{
				SourceSequenceID: raw.SequenceID,
				SourceFileID:     raw.SourceFileID,
				Reason:           malformed.Error(),
				Fields:           raw.Fields,
				OccurredAt:       time.Now().UTC(),
			})
			continue
		}
		enhanced = append(enhanced, rec)
	}
	return enhanced, deadLetters, nil
}

// fail marks the run failed and surfaces the original error. The offset is
// untouched, so the next scheduler tick retries the same pending range.
// The history write runs on a context detached from the run deadline: a run
// killed by the watchdog must still be recorded as failed, not left running.
func (t *Task) fail(ctx context.Context, run *model.TaskRun, cause error) error {
	ctx = context.WithoutCancel(ctx)
	run.Status = model.RunStatusFailed
	run.ErrorDetail = cause.Error()
	run.FinishedAt = time.Now().UTC()
	if err := t.store.FinishTaskRun(ctx, run); err != nil {
		log.Printf("transform: failed to record run failure for %s: %v", run.RunID, err)
	}
	if t.metrics != nil {
		t.metrics.RunFinished(t.consumerID, model.RunStatusFailed)
	}
	return cause
}
