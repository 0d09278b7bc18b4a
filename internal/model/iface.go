package model

import (
	"context"
	"database/sql"
)

// RawAppender is the write contract used by ingestion sources. A batch is
// appended in a single transaction; sequence ids are assigned by the store.
type RawAppender interface {
	AppendRawBatch(ctx context.Context, records []*RawRecord) (int, error)
}

// PendingReader exposes the not-yet-committed slice of the raw append log
// for one consumer.
type PendingReader interface {
	MaxSequence(ctx context.Context) (int64, error)
	PendingRange(ctx context.Context, fromExclusive, toInclusive int64) ([]*RawRecord, error)
	SequenceExists(ctx context.Context, seq int64) (bool, error)
}

// OffsetStore owns durable consumer offsets.
type OffsetStore interface {
	Offset(ctx context.Context, consumerID string) (int64, error)
	// AdvanceOffsetTx moves the offset inside an open transaction, guarded
	// against concurrent movement: it fails if the stored offset no longer
	// equals expected.
	AdvanceOffsetTx(ctx context.Context, tx *sql.Tx, consumerID string, expected, next int64) error
	ForceOffset(ctx context.Context, consumerID string, seq int64) error
}

// RunRecorder persists task run history.
type RunRecorder interface {
	CreateTaskRun(ctx context.Context, run *TaskRun) error
	FinishTaskRun(ctx context.Context, run *TaskRun) error
	ListTaskRuns(ctx context.Context, consumerID string, limit int) ([]*TaskRun, error)
}

// EnhancedQuerier is the read contract over the enhanced table, used by the
// HTTP surface and tests.
type EnhancedQuerier interface {
	EnhancedCount(ctx context.Context) (int64, error)
	EnhancedBySequence(ctx context.Context, seq int64) (*EnhancedRecord, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
}
