package transform

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crucible-data/refinery/internal/changelog"
	"github.com/crucible-data/refinery/internal/duckdb"
	"github.com/crucible-data/refinery/internal/model"
)

type fakeMetrics struct {
	mu           sync.Mutex
	runs         map[string]int // status -> count
	transformed  int
	deadLettered int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{runs: make(map[string]int)}
}

func (m *fakeMetrics) RunFinished(consumerID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[status]++
}

func (m *fakeMetrics) RecordsTransformed(consumerID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transformed += n
}

func (m *fakeMetrics) RecordsDeadLettered(consumerID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered += n
}

func newTestTask(t *testing.T) (*Task, *changelog.Log, *duckdb.Store, *fakeMetrics) {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cl := changelog.New(store)
	m := newFakeMetrics()
	task := NewTask("enhanced", cl, store, DefaultProjection(), m)
	return task, cl, store, m
}

func appendLoginEvents(t *testing.T, store *duckdb.Store, users ...string) []*model.RawRecord {
	t.Helper()
	var records []*model.RawRecord
	for i, user := range users {
		records = append(records, &model.RawRecord{
			SourceFileID:     "logins.json",
			SourceRowOrdinal: i,
			LoadTimestamp:    time.Now().UTC(),
			Fields: map[string]string{
				"user_event":       "login",
				"ip_address":       "10.0.0.1",
				"datetime_iso8601": "2024-03-01T12:00:00Z",
				"user_login":       user,
			},
		})
	}
	if _, err := store.AppendRawBatch(context.Background(), records); err != nil {
		t.Fatalf("AppendRawBatch: %v", err)
	}
	return records
}

func TestTaskRunTransformsPendingBatch(t *testing.T) {
	task, cl, store, m := newTestTask(t)
	ctx := context.Background()

	records := appendLoginEvents(t, store, "alice", "bob", "carol", "dave", "erin")

	run, err := task.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run == nil {
		t.Fatal("Run returned nil run for a non-empty window")
	}
	if run.Status != model.RunStatusSucceeded {
		t.Errorf("run status = %q, want %q", run.Status, model.RunStatusSucceeded)
	}
	if run.Transformed != 5 || run.DeadLettered != 0 {
		t.Errorf("run counters = (%d, %d), want (5, 0)", run.Transformed, run.DeadLettered)
	}

	last := records[4].SequenceID
	if run.OffsetAfter != last {
		t.Errorf("run offset after = %d, want %d", run.OffsetAfter, last)
	}
	offset, err := cl.Offset(ctx, "enhanced")
	if err != nil {
		t.Fatalf("Offset: %v", err)
	}
	if offset != last {
		t.Errorf("committed offset = %d, want %d", offset, last)
	}

	count, err := store.EnhancedCount(ctx)
	if err != nil {
		t.Fatalf("EnhancedCount: %v", err)
	}
	if count != 5 {
		t.Errorf("enhanced count = %d, want 5", count)
	}
	enh, err := store.EnhancedBySequence(ctx, records[0].SequenceID)
	if err != nil {
		t.Fatalf("EnhancedBySequence: %v", err)
	}
	if enh == nil || enh.UserLogin != "alice" {
		t.Errorf("enhanced row for first record = %+v", enh)
	}

	if m.runs[model.RunStatusSucceeded] != 1 || m.transformed != 5 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestTaskRunEmptyWindowIsNoOp(t *testing.T) {
	task, _, store, _ := newTestTask(t)
	ctx := context.Background()

	run, err := task.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run != nil {
		t.Errorf("Run on empty log returned run %+v, want nil", run)
	}

	// No task run row either.
	runs, err := store.ListTaskRuns(ctx, "enhanced", 10)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("empty run left %d history rows", len(runs))
	}
}

func TestTaskRunSecondPassFindsNothingPending(t *testing.T) {
	task, _, store, _ := newTestTask(t)
	ctx := context.Background()

	appendLoginEvents(t, store, "alice")
	if _, err := task.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	run, err := task.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if run != nil {
		t.Errorf("second Run returned %+v, want nil (nothing pending)", run)
	}
	count, _ := store.EnhancedCount(ctx)
	if count != 1 {
		t.Errorf("enhanced count = %d, want 1 (no duplicates)", count)
	}
}

func TestTaskRunDeadLettersMalformedWithoutBlocking(t *testing.T) {
	task, cl, store, m := newTestTask(t)
	ctx := context.Background()

	records := appendLoginEvents(t, store, "u1", "u2", "u3", "u4")

	// One malformed record in the middle of the stream.
	bad := &model.RawRecord{
		SourceFileID:     "logins.json",
		SourceRowOrdinal: 4,
		LoadTimestamp:    time.Now().UTC(),
		Fields: map[string]string{
			"user_event": "login",
			"ip_address": "10.0.0.1",
			// datetime_iso8601 missing
			"user_login": "mallory",
		},
	}
	if _, err := store.AppendRawBatch(ctx, []*model.RawRecord{bad}); err != nil {
		t.Fatalf("AppendRawBatch: %v", err)
	}
	tail := appendLoginEvents(t, store, "u5", "u6", "u7", "u8", "u9")

	run, err := task.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != model.RunStatusSucceeded {
		t.Fatalf("run status = %q, want succeeded", run.Status)
	}
	if run.Transformed != 9 || run.DeadLettered != 1 {
		t.Errorf("run counters = (%d, %d), want (9, 1)", run.Transformed, run.DeadLettered)
	}

	// The malformed record is consumed, not stuck: the offset covers it.
	offset, _ := cl.Offset(ctx, "enhanced")
	if offset != tail[len(tail)-1].SequenceID {
		t.Errorf("offset = %d, want %d", offset, tail[len(tail)-1].SequenceID)
	}
	if enh, _ := store.EnhancedBySequence(ctx, bad.SequenceID); enh != nil {
		t.Errorf("malformed record has an enhanced row: %+v", enh)
	}
	if enh, _ := store.EnhancedBySequence(ctx, records[0].SequenceID); enh == nil {
		t.Error("well-formed record before the malformed one was not transformed")
	}

	letters, err := store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].SourceSequenceID != bad.SequenceID {
		t.Errorf("dead letter sequence = %d, want %d", letters[0].SourceSequenceID, bad.SequenceID)
	}
	if letters[0].Fields["user_login"] != "mallory" {
		t.Errorf("dead letter fields not preserved: %v", letters[0].Fields)
	}
	if m.deadLettered != 1 {
		t.Errorf("metrics dead-lettered = %d, want 1", m.deadLettered)
	}
}

func TestFailedRunIsRecordedAfterDeadlineExpiry(t *testing.T) {
	task, _, store, m := newTestTask(t)

	run := &model.TaskRun{
		RunID:      "run-deadline",
		ConsumerID: "enhanced",
	}
	if err := store.CreateTaskRun(context.Background(), run); err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}

	// The run deadline has already passed when the failure is recorded, as
	// happens when the watchdog kills a run mid-flight.
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := task.fail(expired, run, context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("fail returned %v, want the original cause", err)
	}

	runs, lerr := store.ListTaskRuns(context.Background(), "enhanced", 10)
	if lerr != nil {
		t.Fatalf("ListTaskRuns: %v", lerr)
	}
	if len(runs) != 1 {
		t.Fatalf("run history = %d rows, want 1", len(runs))
	}
	got := runs[0]
	if got.Status != model.RunStatusFailed {
		t.Errorf("run status = %q, want %q (run left in-flight)", got.Status, model.RunStatusFailed)
	}
	if got.FinishedAt.IsZero() {
		t.Error("failed run has zero FinishedAt")
	}
	if got.ErrorDetail == "" {
		t.Error("failed run has no error detail")
	}
	if m.runs[model.RunStatusFailed] != 1 {
		t.Errorf("metrics runs = %v", m.runs)
	}
}

func TestTaskRunCommitFailureLeavesOffsetUntouched(t *testing.T) {
	task, cl, store, m := newTestTask(t)
	ctx := context.Background()

	records := appendLoginEvents(t, store, "alice", "bob")

	// Seed an enhanced row claiming the last raw sequence through another
	// consumer; the unique source-sequence constraint then rejects the task's
	// batch and rolls its whole commit back.
	seedErr := cl.Commit(ctx, "seed", records[1].SequenceID, func(tx *sql.Tx) error {
		return duckdb.InsertEnhancedTx(tx, []*model.EnhancedRecord{{
			EventType:          "login",
			SourceSequenceID:   records[1].SequenceID,
			TransformTimestamp: time.Now().UTC(),
		}})
	})
	if seedErr != nil {
		t.Fatalf("seed commit: %v", seedErr)
	}

	run, err := task.Run(ctx)
	if err == nil {
		t.Fatal("Run succeeded, want commit failure")
	}
	if run == nil || run.Status != model.RunStatusFailed {
		t.Fatalf("run = %+v, want failed run", run)
	}
	if run.ErrorDetail == "" {
		t.Error("failed run has no error detail")
	}

	// Offset untouched, no partial batch visible: only the seeded row exists.
	offset, _ := cl.Offset(ctx, "enhanced")
	if offset != 0 {
		t.Errorf("offset after failed run = %d, want 0", offset)
	}
	count, _ := store.EnhancedCount(ctx)
	if count != 1 {
		t.Errorf("enhanced count = %d, want 1 (seed row only)", count)
	}
	if enh, _ := store.EnhancedBySequence(ctx, records[0].SequenceID); enh != nil {
		t.Errorf("partial batch row visible after rollback: %+v", enh)
	}

	// The window is still pending for the next tick.
	pending, err := cl.HasPending(ctx, "enhanced")
	if err != nil {
		t.Fatalf("HasPending: %v", err)
	}
	if !pending {
		t.Error("HasPending = false after failed run, want true")
	}

	runs, err := store.ListTaskRuns(ctx, "enhanced", 10)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != model.RunStatusFailed {
		t.Errorf("run history = %+v, want one failed run", runs)
	}
	if m.runs[model.RunStatusFailed] != 1 {
		t.Errorf("metrics runs = %v", m.runs)
	}
}
