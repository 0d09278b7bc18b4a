package duckdb

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crucible-data/refinery/internal/model"
)

// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
const DefaultFlushQueueSize = 64

// AppendBuffer batches raw records from streaming sources and flushes them
// to the raw append log asynchronously. Add() never blocks on database IO.
type AppendBuffer struct {
	appender model.RawAppender

	mu            sync.Mutex
	pending       []*model.RawRecord
	flushChan     chan []*model.RawRecord
	maxBatch      int
	flushInterval time.Duration
	onAppend      func(n int)
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup

	// backpressureCount tracks inline flushes for throttled logging.
	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64 // unix timestamp of last backpressure log
}

// AppendBufferConfig holds tunable parameters for the append buffer.
// OnAppend, when set, is called with the row count after each successful
// flush (used to bump metrics and nudge the scheduler).
type AppendBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	OnAppend       func(n int)
}

// NewAppendBuffer creates an append buffer that flushes to the appender.
func NewAppendBuffer(appender model.RawAppender, conf ...AppendBufferConfig) *AppendBuffer {
	batchSize := model.DefaultAppendBatch
	flushInterval := model.DefaultAppendFlush
	flushQueueSize := DefaultFlushQueueSize
	var onAppend func(int)
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
		onAppend = conf[0].OnAppend
	}

	b := &AppendBuffer{
		appender:      appender,
		pending:       make([]*model.RawRecord, 0, batchSize),
		flushChan:     make(chan []*model.RawRecord, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		onAppend:      onAppend,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

// tickLoop periodically drains the pending buffer.
func (b *AppendBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending() // final drain
			return
		}
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds)
// when the flush channel is full and an inline flush is triggered.
func (b *AppendBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		log.Printf("duckdb: append backpressure, %d inline flushes (flush channel full)", count)
	}
}

// drainPending moves pending records to the flush channel without blocking
// on the database.
func (b *AppendBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]*model.RawRecord, 0, b.maxBatch)
	b.mu.Unlock()

	select {
	case b.flushChan <- batch:
	default:
		// Safety valve: flush inline when the store is falling behind.
		b.logBackpressure()
		b.flushBatch(batch)
	}
}

// flushWorker processes batches from the flush channel.
func (b *AppendBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		b.flushBatch(batch)
	}
}

// Add queues a record for batch insertion. This never blocks on database IO.
func (b *AppendBuffer) Add(record *model.RawRecord) {
	b.mu.Lock()
	b.pending = append(b.pending, record)
	shouldFlush := len(b.pending) >= b.maxBatch
	var batch []*model.RawRecord
	if shouldFlush {
		batch = b.pending
		b.pending = make([]*model.RawRecord, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- batch:
		default:
			// Flush inline instead of spawning unbounded goroutines under
			// sustained overload.
			b.logBackpressure()
			b.flushBatch(batch)
		}
	}
}

// Stop flushes remaining records and waits for all writes to complete.
func (b *AppendBuffer) Stop() {
	close(b.done)
	// Wait for tickLoop's final drain before closing flushChan, so every
	// pending record reaches the flush channel.
	b.tickWg.Wait()
	close(b.flushChan)
	b.wg.Wait()
}

// flushBatch appends one batch. A failed batch is retried record-by-record
// to salvage as many records as possible before anything is dropped.
func (b *AppendBuffer) flushBatch(batch []*model.RawRecord) {
	if len(batch) == 0 {
		return
	}
	n, err := b.appender.AppendRawBatch(context.Background(), batch)
	if err == nil {
		if b.onAppend != nil {
			b.onAppend(n)
		}
		return
	}
	log.Printf("duckdb: append flush error, retrying %d records individually: %v", len(batch), err)

	var appended, dropped int
	for _, r := range batch {
		if _, rerr := b.appender.AppendRawBatch(context.Background(), []*model.RawRecord{r}); rerr != nil {
			dropped++
			log.Printf("duckdb: dropping record (file=%s row=%d): %v", r.SourceFileID, r.SourceRowOrdinal, rerr)
			continue
		}
		appended++
	}
	if dropped > 0 {
		log.Printf("duckdb: batch flush partially failed, %d/%d records dropped", dropped, len(batch))
	}
	if appended > 0 && b.onAppend != nil {
		b.onAppend(appended)
	}
}
