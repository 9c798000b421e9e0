// Package quota enforces per-user monthly usage limits over the billing
// counters.
//
// The accountant deliberately does not make check-then-commit atomic: jobs
// run for minutes, and holding a row lock that long is worse than a brief
// over-count when two jobs of one owner finish together. Commits that fail
// to persist are logged and counted, never fatal to the work that earned
// them.
package quota

import (
	"context"
	"errors"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// Decision is the outcome of a quota check, carrying the pre-image of the
// counter so callers can surface used/limit to the client.
type Decision struct {
	// OK reports whether the requested amount fits the remaining budget.
	OK bool

	// Used and Limit are the counter values at check time.
	Used  float64
	Limit float64
}

// Remaining is the headroom left at check time, never negative.
func (d Decision) Remaining() float64 {
	if r := d.Limit - d.Used; r > 0 {
		return r
	}
	return 0
}

// Accountant checks and commits usage against the per-user counters.
type Accountant struct {
	usage   store.UsageStore
	metrics *observe.Metrics
}

// New creates an Accountant over the given usage store. When metrics is nil
// the package-level default instruments are used.
func New(usage store.UsageStore, metrics *observe.Metrics) *Accountant {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Accountant{usage: usage, metrics: metrics}
}

// Check reads the owner's counter and reports whether requested more units
// still fit. A missing counter row means the owner has no plan for the
// resource and the check fails with a zero limit.
func (a *Accountant) Check(ctx context.Context, ownerID string, resource types.Resource, requested float64) (Decision, error) {
	c, err := a.usage.Get(ctx, ownerID, resource)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{OK: false}, nil
	}
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.KindStoreError, "read usage counter", err)
	}
	return Decision{
		OK:    c.Used+requested <= c.Limit,
		Used:  c.Used,
		Limit: c.Limit,
	}, nil
}

// Require is Check turned into a gate: it returns nil when the request fits
// and a quota-exceeded error carrying used/limit otherwise.
func (a *Accountant) Require(ctx context.Context, ownerID string, resource types.Resource, requested float64) error {
	d, err := a.Check(ctx, ownerID, resource, requested)
	if err != nil {
		return err
	}
	if !d.OK {
		return apperr.QuotaExceeded(resource, d.Used, d.Limit)
	}
	return nil
}

// Commit adds amount to the owner's counter. Persistence failures are logged
// at Error and recorded in metrics but never propagated: the work that
// earned the usage already succeeded.
func (a *Accountant) Commit(ctx context.Context, ownerID string, resource types.Resource, amount float64) {
	if amount <= 0 {
		return
	}
	if err := a.usage.Increment(ctx, ownerID, resource, amount); err != nil {
		a.metrics.RecordQuotaCommit(ctx, string(resource), "error")
		observe.Logger(ctx).Error("usage commit failed",
			"owner_id", ownerID,
			"resource", resource,
			"amount", amount,
			"error", err,
		)
		return
	}
	a.metrics.RecordQuotaCommit(ctx, string(resource), "ok")
}
