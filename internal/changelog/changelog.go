package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/crucible-data/refinery/internal/duckdb"
	"github.com/crucible-data/refinery/internal/model"
)

// Log exposes the not-yet-committed slice of the raw append log per
// consumer and owns the single authoritative path for advancing a
// consumer's offset. Offsets live in the store; the in-process state here is
// only the commit mutex and the paused flag per consumer.
type Log struct {
	store *duckdb.Store

	mu        sync.Mutex
	consumers map[string]*consumerState
}

type consumerState struct {
	commitMu sync.Mutex
	paused   bool
}

// New creates a change log over the given store.
func New(store *duckdb.Store) *Log {
	return &Log{
		store:     store,
		consumers: make(map[string]*consumerState),
	}
}

func (l *Log) state(consumerID string) *consumerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.consumers[consumerID]
	if !ok {
		st = &consumerState{}
		l.consumers[consumerID] = st
	}
	return st
}

// PendingWindow is a snapshot of a consumer's pending range, fixed at peek
// time. Records re-queries the same fixed range, so a window can be read
// repeatedly without side effects while the raw log keeps growing.
type PendingWindow struct {
	ConsumerID    string
	FromExclusive int64
	HighWatermark int64

	store *duckdb.Store
}

// Empty reports whether the window contains no records.
func (w *PendingWindow) Empty() bool {
	return w.HighWatermark <= w.FromExclusive
}

// Records fetches the window's raw records in sequence order.
func (w *PendingWindow) Records(ctx context.Context) ([]*model.RawRecord, error) {
	if w.Empty() {
		return nil, nil
	}
	return w.store.PendingRange(ctx, w.FromExclusive, w.HighWatermark)
}

// PeekPending fixes a pending window for the consumer: everything past its
// committed offset up to the raw log's current high watermark. Rows appended
// after the peek are not part of the window.
func (l *Log) PeekPending(ctx context.Context, consumerID string) (*PendingWindow, error) {
	offset, err := l.store.Offset(ctx, consumerID)
	if err != nil {
		return nil, fmt.Errorf("read offset for %s: %w", consumerID, err)
	}
	watermark, err := l.store.MaxSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("read high watermark: %w", err)
	}
	if watermark < offset {
		// The raw log can only be behind the offset after an out-of-band
		// truncation; treat it as empty rather than going backwards.
		watermark = offset
	}
	return &PendingWindow{
		ConsumerID:    consumerID,
		FromExclusive: offset,
		HighWatermark: watermark,
		store:         l.store,
	}, nil
}

// HasPending reports whether any uncommitted rows exist for the consumer.
func (l *Log) HasPending(ctx context.Context, consumerID string) (bool, error) {
	w, err := l.PeekPending(ctx, consumerID)
	if err != nil {
		return false, err
	}
	return !w.Empty(), nil
}

// Offset returns the committed offset for a consumer.
func (l *Log) Offset(ctx context.Context, consumerID string) (int64, error) {
	return l.store.Offset(ctx, consumerID)
}

// Commit runs effect and the offset advance as one atomic unit: either the
// effect's writes and the new offset both land, or neither does.
//
// It fails fast with ErrConcurrentCommit when a commit for the same consumer
// is already in flight, and with ErrStaleOffset when newOffset is not ahead
// of the committed offset or does not correspond to a real sequence id.
func (l *Log) Commit(ctx context.Context, consumerID string, newOffset int64, effect func(tx *sql.Tx) error) error {
	st := l.state(consumerID)
	if !st.commitMu.TryLock() {
		return fmt.Errorf("%w: %s", ErrConcurrentCommit, consumerID)
	}
	defer st.commitMu.Unlock()

	current, err := l.store.Offset(ctx, consumerID)
	if err != nil {
		return fmt.Errorf("read offset for %s: %w", consumerID, err)
	}
	if newOffset <= current {
		return fmt.Errorf("%w: consumer=%s new=%d current=%d", ErrStaleOffset, consumerID, newOffset, current)
	}
	exists, err := l.store.SequenceExists(ctx, newOffset)
	if err != nil {
		return fmt.Errorf("check offset boundary %d: %w", newOffset, err)
	}
	if !exists {
		return fmt.Errorf("%w: consumer=%s offset %d is not a raw log boundary", ErrStaleOffset, consumerID, newOffset)
	}

	return l.store.CommitWithOffset(ctx, consumerID, current, newOffset, effect)
}

// Pause stops the scheduler from triggering runs for the consumer. In-flight
// runs are unaffected.
func (l *Log) Pause(consumerID string) {
	st := l.state(consumerID)
	l.mu.Lock()
	st.paused = true
	l.mu.Unlock()
}

// Resume re-enables scheduling for the consumer.
func (l *Log) Resume(consumerID string) {
	st := l.state(consumerID)
	l.mu.Lock()
	st.paused = false
	l.mu.Unlock()
}

// Paused reports whether the consumer is administratively paused.
func (l *Log) Paused(consumerID string) bool {
	st := l.state(consumerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return st.paused
}

// ResetOffset overwrites the consumer's offset for a full or partial replay.
// Only permitted while the consumer is paused, and it refuses to race an
// in-flight commit.
func (l *Log) ResetOffset(ctx context.Context, consumerID string, seq int64) error {
	if !l.Paused(consumerID) {
		return fmt.Errorf("%w: %s", ErrConsumerActive, consumerID)
	}
	st := l.state(consumerID)
	if !st.commitMu.TryLock() {
		return fmt.Errorf("%w: %s", ErrConcurrentCommit, consumerID)
	}
	defer st.commitMu.Unlock()

	if seq < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrStaleOffset, seq)
	}
	return l.store.ForceOffset(ctx, consumerID, seq)
}
