package model

import "time"

// RawRecord is one parsed event row in the raw append log.
// It is immutable once appended; SequenceID is assigned by the store at
// append time and is strictly monotonic across the whole log.
type RawRecord struct {
	SequenceID       int64
	SourceFileID     string
	SourceRowOrdinal int
	LoadTimestamp    time.Time
	Fields           map[string]string
}

// EnhancedRecord is one transformed row in the enhanced table.
// SourceSequenceID ties it back to the raw row it was derived from; the
// store enforces uniqueness on it as a secondary guard behind offset
// tracking.
type EnhancedRecord struct {
	EventType          string
	IPAddress          string
	EventTime          time.Time
	UserLogin          string
	SourceSequenceID   int64
	TransformTimestamp time.Time
}

// DeadLetter preserves a raw record that could not be transformed, together
// with the reason it was rejected. Dead letters are written in the same
// transaction as the batch that consumed them.
type DeadLetter struct {
	SourceSequenceID int64
	SourceFileID     string
	Reason           string
	Fields           map[string]string
	OccurredAt       time.Time
}

// TaskRun statuses.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// TaskRun records one invocation of the transform task for audit and
// observability. A run left in "running" after a crash is marked failed
// during startup recovery.
type TaskRun struct {
	RunID        string
	ConsumerID   string
	Status       string
	OffsetBefore int64
	OffsetAfter  int64
	Transformed  int
	DeadLettered int
	ErrorDetail  string
	StartedAt    time.Time
	FinishedAt   time.Time // zero while running
}

// ConsumerOffset is the committed position of one transform consumer in the
// raw append log. LastCommitted only moves forward, and only inside the same
// transaction as a successful enhanced-table write.
type ConsumerOffset struct {
	ConsumerID    string
	LastCommitted int64
	UpdatedAt     time.Time
}
