package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// UsageStoreImpl keeps per-owner monthly counters. Cycles roll over lazily:
// a row whose cycle_start predates the current month reads as zero and is
// rewritten on the next increment. No background reset job exists.
type UsageStoreImpl struct {
	pool *pgxpool.Pool
}

// Get implements [store.UsageStore].
func (s *UsageStoreImpl) Get(ctx context.Context, ownerID string, resource types.Resource) (store.UsageCounter, error) {
	const q = `
		SELECT owner_id, resource,
		       CASE WHEN cycle_start < date_trunc('month', now())
		            THEN 0 ELSE used END,
		       usage_limit,
		       GREATEST(cycle_start, date_trunc('month', now()))
		FROM   usage_counters
		WHERE  owner_id = $1 AND resource = $2`

	rows, err := s.pool.Query(ctx, q, ownerID, resource)
	if err != nil {
		return store.UsageCounter{}, fmt.Errorf("usage store: get: %w", err)
	}
	c, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (store.UsageCounter, error) {
		var c store.UsageCounter
		err := row.Scan(&c.OwnerID, &c.Resource, &c.Used, &c.Limit, &c.CycleStart)
		return c, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return store.UsageCounter{}, store.ErrNotFound
	}
	if err != nil {
		return store.UsageCounter{}, fmt.Errorf("usage store: get: %w", err)
	}
	return c, nil
}

// Increment implements [store.UsageStore]. The upsert both creates missing
// rows and restarts counters whose cycle has lapsed.
func (s *UsageStoreImpl) Increment(ctx context.Context, ownerID string, resource types.Resource, amount float64) error {
	const q = `
		INSERT INTO usage_counters (owner_id, resource, used)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, resource) DO UPDATE
		SET used = CASE WHEN usage_counters.cycle_start < date_trunc('month', now())
		                THEN EXCLUDED.used
		                ELSE usage_counters.used + EXCLUDED.used END,
		    cycle_start = GREATEST(usage_counters.cycle_start, date_trunc('month', now()))`

	if _, err := s.pool.Exec(ctx, q, ownerID, resource, amount); err != nil {
		return fmt.Errorf("usage store: increment: %w", err)
	}
	return nil
}
