package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/crucible-data/refinery/internal/changelog"
	"github.com/crucible-data/refinery/internal/model"
)

// Consumer states reported by the status surface.
const (
	StateIdle      = "idle"
	StateTriggered = "triggered"
	StateRunning   = "running"
)

// Runner is one schedulable unit of transform work.
type Runner interface {
	ConsumerID() string
	Run(ctx context.Context) (*model.TaskRun, error)
}

// Feed is the subset of the change log the scheduler consults before
// firing a run.
type Feed interface {
	Paused(consumerID string) bool
	HasPending(ctx context.Context, consumerID string) (bool, error)
}

// Config holds tunable scheduler parameters.
type Config struct {
	TickInterval time.Duration
	RunTimeout   time.Duration
}

// Scheduler drives one consumer's transform task on a cadence without ever
// allowing two concurrent runs: Idle -> Triggered -> Running -> Idle. A
// trigger arriving while a run is in flight is coalesced into the buffered
// notify channel (capacity one) rather than queued; records landing during
// a run are picked up by the next invocation.
type Scheduler struct {
	task       Runner
	feed       Feed
	tick       time.Duration
	runTimeout time.Duration

	notify   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu    sync.Mutex
	state string
}

// New creates a scheduler for the given task. Start must be called before
// any run fires.
func New(task Runner, feed Feed, conf ...Config) *Scheduler {
	tick := model.DefaultTickInterval
	runTimeout := model.DefaultRunTimeout
	if len(conf) > 0 {
		if conf[0].TickInterval > 0 {
			tick = conf[0].TickInterval
		}
		if conf[0].RunTimeout > 0 {
			runTimeout = conf[0].RunTimeout
		}
	}
	return &Scheduler{
		task:       task,
		feed:       feed,
		tick:       tick,
		runTimeout: runTimeout,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		state:      StateIdle,
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Notify signals that new data may be pending. Signals arriving while one
// is already queued are dropped, which is what coalescing means here.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// State returns the scheduler's current state for the status surface.
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop terminates the scheduling loop and waits for an in-flight run to
// finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fire(ctx)
		case <-s.notify:
			s.fire(ctx)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// fire runs the task once if the consumer is not paused and has pending
// data. The loop is single-threaded, so at most one run per consumer is
// ever in flight; the change log's commit lock backs this up defensively.
func (s *Scheduler) fire(ctx context.Context) {
	consumerID := s.task.ConsumerID()
	if s.feed.Paused(consumerID) {
		return
	}

	s.setState(StateTriggered)
	defer s.setState(StateIdle)

	pending, err := s.feed.HasPending(ctx, consumerID)
	if err != nil {
		log.Printf("scheduler: pending check for %s failed: %v", consumerID, err)
		return
	}
	if !pending {
		return
	}

	s.setState(StateRunning)

	// The run deadline is the watchdog: a run that exceeds it fails with a
	// context error, leaves the offset untouched, and is retried at the
	// next cadence tick.
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	if _, err := s.task.Run(runCtx); err != nil {
		if errors.Is(err, changelog.ErrConcurrentCommit) {
			log.Printf("scheduler: dropped overlapping run for %s: %v", consumerID, err)
			return
		}
		log.Printf("scheduler: run for %s failed (will retry next tick): %v", consumerID, err)
	}
}

func (s *Scheduler) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
