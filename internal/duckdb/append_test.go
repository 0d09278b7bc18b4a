package duckdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crucible-data/refinery/internal/model"
)

// recordingAppender captures appended batches for buffer tests.
type recordingAppender struct {
	mu      sync.Mutex
	records []*model.RawRecord
}

func (a *recordingAppender) AppendRawBatch(ctx context.Context, records []*model.RawRecord) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, records...)
	return len(records), nil
}

func (a *recordingAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func TestAppendBufferFlushesOnStop(t *testing.T) {
	appender := &recordingAppender{}
	buf := NewAppendBuffer(appender, AppendBufferConfig{
		BatchSize:     100,
		FlushInterval: time.Hour, // only the Stop drain should fire
	})

	for i := 0; i < 10; i++ {
		buf.Add(testRecord("stream", i, map[string]string{"k": "v"}))
	}
	buf.Stop()

	if got := appender.count(); got != 10 {
		t.Errorf("flushed %d records, want 10", got)
	}
}

func TestAppendBufferFlushesFullBatches(t *testing.T) {
	appender := &recordingAppender{}
	buf := NewAppendBuffer(appender, AppendBufferConfig{
		BatchSize:     5,
		FlushInterval: time.Hour,
	})
	defer buf.Stop()

	for i := 0; i < 5; i++ {
		buf.Add(testRecord("stream", i, map[string]string{"k": "v"}))
	}

	deadline := time.After(2 * time.Second)
	for appender.count() < 5 {
		select {
		case <-deadline:
			t.Fatalf("batch flush did not happen, have %d records", appender.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// singlesOnlyAppender rejects multi-record batches and one poisoned record,
// forcing the buffer's record-by-record salvage path.
type singlesOnlyAppender struct {
	recordingAppender
}

func (a *singlesOnlyAppender) AppendRawBatch(ctx context.Context, records []*model.RawRecord) (int, error) {
	if len(records) > 1 {
		return 0, errors.New("batch rejected")
	}
	if records[0].Fields["poison"] == "true" {
		return 0, errors.New("record rejected")
	}
	return a.recordingAppender.AppendRawBatch(ctx, records)
}

func TestAppendBufferSalvagesFailedBatchRecordByRecord(t *testing.T) {
	appender := &singlesOnlyAppender{}
	var notified atomic.Int64
	buf := NewAppendBuffer(appender, AppendBufferConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		OnAppend:      func(n int) { notified.Add(int64(n)) },
	})

	buf.Add(testRecord("stream", 0, map[string]string{"k": "a"}))
	buf.Add(testRecord("stream", 1, map[string]string{"poison": "true"}))
	buf.Add(testRecord("stream", 2, map[string]string{"k": "c"}))
	buf.Stop()

	if got := appender.count(); got != 2 {
		t.Errorf("salvaged %d records, want 2", got)
	}
	if notified.Load() != 2 {
		t.Errorf("OnAppend total = %d, want 2 (dropped record must not count)", notified.Load())
	}
	for _, r := range appender.records {
		if r.Fields["poison"] == "true" {
			t.Error("poisoned record was appended")
		}
	}
}

func TestAppendBufferNotifiesOnAppend(t *testing.T) {
	appender := &recordingAppender{}
	notified := make(chan int, 4)
	buf := NewAppendBuffer(appender, AppendBufferConfig{
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
		OnAppend:      func(n int) { notified <- n },
	})
	defer buf.Stop()

	buf.Add(testRecord("stream", 0, map[string]string{"k": "v"}))

	select {
	case n := <-notified:
		if n != 1 {
			t.Errorf("OnAppend called with %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAppend was never called")
	}
}
