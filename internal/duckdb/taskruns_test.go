package duckdb

import (
	"context"
	"testing"
	"time"

	"github.com/crucible-data/refinery/internal/model"
	"github.com/google/uuid"
)

func TestTaskRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &model.TaskRun{
		RunID:        uuid.NewString(),
		ConsumerID:   "enhanced",
		OffsetBefore: 0,
	}
	if err := store.CreateTaskRun(ctx, run); err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}
	if run.Status != model.RunStatusRunning {
		t.Errorf("status after create = %q, want %q", run.Status, model.RunStatusRunning)
	}

	run.Status = model.RunStatusSucceeded
	run.OffsetAfter = 5
	run.Transformed = 4
	run.DeadLettered = 1
	if err := store.FinishTaskRun(ctx, run); err != nil {
		t.Fatalf("FinishTaskRun: %v", err)
	}

	runs, err := store.ListTaskRuns(ctx, "enhanced", 10)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("ListTaskRuns returned %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.RunID != run.RunID {
		t.Errorf("run id = %q, want %q", got.RunID, run.RunID)
	}
	if got.Status != model.RunStatusSucceeded {
		t.Errorf("status = %q, want %q", got.Status, model.RunStatusSucceeded)
	}
	if got.OffsetAfter != 5 || got.Transformed != 4 || got.DeadLettered != 1 {
		t.Errorf("counters = (after=%d, transformed=%d, dead=%d), want (5, 4, 1)",
			got.OffsetAfter, got.Transformed, got.DeadLettered)
	}
	if got.FinishedAt.IsZero() {
		t.Error("finished run has zero FinishedAt")
	}
}

func TestListTaskRunsOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		run := &model.TaskRun{
			RunID:      uuid.NewString(),
			ConsumerID: "enhanced",
			Status:     model.RunStatusSucceeded,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateTaskRun(ctx, run); err != nil {
			t.Fatalf("CreateTaskRun %d: %v", i, err)
		}
		ids = append(ids, run.RunID)
	}

	runs, err := store.ListTaskRuns(ctx, "enhanced", 2)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListTaskRuns returned %d runs, want 2", len(runs))
	}
	if runs[0].RunID != ids[2] || runs[1].RunID != ids[1] {
		t.Errorf("runs not ordered most recent first: got %q,%q", runs[0].RunID, runs[1].RunID)
	}
}

func TestRecoverStaleRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := &model.TaskRun{RunID: uuid.NewString(), ConsumerID: "enhanced"}
	if err := store.CreateTaskRun(ctx, stale); err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}
	finished := &model.TaskRun{RunID: uuid.NewString(), ConsumerID: "enhanced"}
	if err := store.CreateTaskRun(ctx, finished); err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}
	finished.Status = model.RunStatusSucceeded
	if err := store.FinishTaskRun(ctx, finished); err != nil {
		t.Fatalf("FinishTaskRun: %v", err)
	}

	n, err := store.RecoverStaleRuns(ctx)
	if err != nil {
		t.Fatalf("RecoverStaleRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d runs, want 1", n)
	}

	runs, err := store.ListTaskRuns(ctx, "enhanced", 10)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	for _, r := range runs {
		switch r.RunID {
		case stale.RunID:
			if r.Status != model.RunStatusFailed {
				t.Errorf("stale run status = %q, want %q", r.Status, model.RunStatusFailed)
			}
			if r.ErrorDetail == "" {
				t.Error("stale run has no error detail")
			}
		case finished.RunID:
			if r.Status != model.RunStatusSucceeded {
				t.Errorf("finished run status = %q, want %q", r.Status, model.RunStatusSucceeded)
			}
		}
	}
}
