package jobs

import (
	"context"
	"time"

	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/pkg/store"
)

// DefaultReapInterval is the cadence of the stale-row sweep.
const DefaultReapInterval = time.Minute

// Reaper periodically reclaims processing rows whose worker died without
// writing a terminal state, marking them timed-out past their tier's
// deadline. Callback-mode video jobs depend on it: nothing else bounds their
// wait for the render worker.
type Reaper struct {
	jobs     store.JobStore
	metrics  *observe.Metrics
	interval time.Duration
	now      func() time.Time
}

// ReaperOption is a functional option for configuring a [Reaper].
type ReaperOption func(*Reaper)

// WithReapInterval overrides the sweep cadence.
func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReaperMetrics replaces the metrics instance. Primarily used in tests.
func WithReaperMetrics(m *observe.Metrics) ReaperOption {
	return func(r *Reaper) { r.metrics = m }
}

// WithReaperClock overrides the time source. Primarily used in tests.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// NewReaper creates a Reaper over the given job store.
func NewReaper(jobs store.JobStore, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		jobs:     jobs,
		metrics:  observe.DefaultMetrics(),
		interval: DefaultReapInterval,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run sweeps on the configured interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reclaims every overdue processing row once.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.now()
	reaped, err := r.jobs.ReapStale(ctx, now)
	if err != nil {
		observe.Logger(ctx).Error("stale job sweep failed", "error", err)
		return
	}
	for _, job := range reaped {
		seconds := 0.0
		if job.StartedAt != nil {
			seconds = now.Sub(*job.StartedAt).Seconds()
		}
		r.metrics.RecordJobTerminal(ctx, string(job.Kind), seconds, "timed_out")
		observe.Logger(ctx).Warn("reclaimed stale job",
			"job_id", job.ID, "kind", job.Kind, "stuck_s", seconds)
	}
}
