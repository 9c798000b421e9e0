// Package jobs owns the asynchronous generation pipelines: a FIFO scheduler
// with a bounded worker pool, one runner per job kind, and the reaper that
// reclaims rows a dead worker left behind.
//
// The queue is process-local by design. A restart discards queued ids; their
// rows stay queued until resubmitted, and rows a crashed worker left in
// processing are timed out by [Reaper]. Runner failures never escape the
// pool: the scheduler catches errors and panics alike and writes the failed
// transition itself.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// ErrQueueFull is returned by Submit when the queue is at its bound.
var ErrQueueFull = errors.New("jobs: queue full")

// ErrSchedulerClosed is returned by Submit after Drain has begun.
var ErrSchedulerClosed = errors.New("jobs: scheduler closed")

// Defaults for the pool. One worker keeps the GPU-bound upstreams serial;
// deployments with more render capacity raise MAX_CONCURRENT_JOBS.
const (
	DefaultWorkers    = 1
	DefaultQueueBound = 256
)

// Runner executes one job to completion. The row arrives already transitioned
// to processing; the runner performs the terminal completed transition itself
// and returns an error to have the scheduler write the failed one.
type Runner interface {
	Run(ctx context.Context, job store.Job) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job store.Job) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, job store.Job) error { return f(ctx, job) }

// Scheduler dispatches persisted queued jobs to a bounded pool of workers in
// strict submit order.
type Scheduler struct {
	jobs    store.JobStore
	runners map[types.JobKind]Runner
	metrics *observe.Metrics

	workers int
	queue   chan string

	// stop is closed when drain begins; workers take no further queue items.
	stop chan struct{}

	runCtx     context.Context
	cancelRuns context.CancelFunc

	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// SchedulerOption is a functional option for configuring a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithWorkers sets the pool size. Non-positive values keep the default.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueBound sets the submit soft bound. Non-positive values keep the
// default.
func WithQueueBound(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan string, n)
		}
	}
}

// WithMetrics replaces the metrics instance. Primarily used in tests.
func WithMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a Scheduler dispatching to the given per-kind runners.
// Call Start before Submit.
func NewScheduler(jobs store.JobStore, runners map[types.JobKind]Runner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:    jobs,
		runners: runners,
		metrics: observe.DefaultMetrics(),
		workers: DefaultWorkers,
		queue:   make(chan string, DefaultQueueBound),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the worker pool. Workers inherit ctx; cancelling it aborts
// in-flight runners the same way an expired Drain deadline does.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.cancelRuns = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Submit queues the job id for execution. The row must already be persisted
// in the queued state. Never blocks: a full queue returns ErrQueueFull and a
// draining scheduler ErrSchedulerClosed.
func (s *Scheduler) Submit(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	select {
	case s.queue <- jobID:
		s.metrics.QueueDepth.Add(ctx, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain refuses further submits and waits for in-flight work. When ctx
// expires first, in-flight runners are cancelled; they write their rows to
// failed before exiting. Ids still queued are abandoned with their rows left
// queued.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelRuns()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		// Check stop first so a drain beats a backlog of queued ids.
		select {
		case <-s.stop:
			return
		default:
		}
		select {
		case <-s.stop:
			return
		case <-s.runCtx.Done():
			return
		case id := <-s.queue:
			s.metrics.QueueDepth.Add(s.runCtx, -1)
			s.execute(id)
		}
	}
}

// execute owns one job from dequeue to terminal state.
func (s *Scheduler) execute(id string) {
	ctx := s.runCtx
	log := observe.Logger(ctx).With("job_id", id)

	progress := 20
	job, err := s.jobs.Transition(ctx, id, types.StatusProcessing, store.JobUpdate{Progress: &progress})
	if err != nil {
		log.Error("failed to take job", "error", err)
		return
	}
	log = log.With("kind", job.Kind)

	start := time.Now()
	runErr := s.runGuarded(ctx, job)
	seconds := time.Since(start).Seconds()

	if runErr != nil {
		s.fail(job, runErr, seconds)
		return
	}

	// A callback-completed video job legitimately returns with its row
	// still processing; only count jobs the runner actually finished.
	if after, err := s.jobs.Get(context.WithoutCancel(ctx), id); err == nil && after.Status == types.StatusCompleted {
		s.metrics.RecordJobTerminal(ctx, string(job.Kind), seconds, "")
		log.Info("job completed", "duration_s", seconds)
	}
}

// runGuarded dispatches to the kind's runner, converting panics into errors
// so one bad job cannot take its worker slot down.
func (s *Scheduler) runGuarded(ctx context.Context, job store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	runner, ok := s.runners[job.Kind]
	if !ok {
		return fmt.Errorf("no runner registered for kind %q", job.Kind)
	}
	return runner.Run(ctx, job)
}

// fail writes the terminal failed transition for a runner error. The write
// uses a cancellation-free context so a shutdown abort still lands.
func (s *Scheduler) fail(job store.Job, runErr error, seconds float64) {
	ctx := context.WithoutCancel(s.runCtx)
	log := observe.Logger(ctx).With("job_id", job.ID, "kind", job.Kind)

	msg := runErr.Error()
	if errors.Is(runErr, context.Canceled) {
		msg = "aborted by shutdown"
	}
	if _, err := s.jobs.Transition(ctx, job.ID, types.StatusFailed, store.JobUpdate{ErrorMessage: &msg}); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			log.Error("failed to record job failure", "error", err)
		}
		return
	}
	s.metrics.RecordJobTerminal(ctx, string(job.Kind), seconds, apperr.KindOf(runErr).String())
	log.Warn("job failed", "error", runErr, "duration_s", seconds)
}
