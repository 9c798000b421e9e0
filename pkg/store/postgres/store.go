package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visage-ai/visage/pkg/store"
)

// Compile-time interface checks.
var (
	_ store.JobStore     = (*JobStoreImpl)(nil)
	_ store.AvatarStore  = (*AvatarStoreImpl)(nil)
	_ store.UsageStore   = (*UsageStoreImpl)(nil)
	_ store.SessionStore = (*SessionStoreImpl)(nil)
	_ store.KeyStore     = (*KeyStoreImpl)(nil)
)

// Store is the central PostgreSQL-backed persistence layer. It holds a single
// [pgxpool.Pool] and exposes one sub-store per aggregate:
//
//   - [Store.Jobs] implements [store.JobStore]
//   - [Store.Avatars] implements [store.AvatarStore]
//   - [Store.Usage] implements [store.UsageStore]
//   - [Store.Sessions] implements [store.SessionStore]
//   - [Store.Keys] implements [store.KeyStore]
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	jobs     *JobStoreImpl
	avatars  *AvatarStoreImpl
	usage    *UsageStoreImpl
	sessions *SessionStoreImpl
	keys     *KeyStoreImpl
}

// New connects to the PostgreSQL database at dsn, verifies the connection,
// and runs [Migrate] so all required tables exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		jobs:     &JobStoreImpl{pool: pool},
		avatars:  &AvatarStoreImpl{pool: pool},
		usage:    &UsageStoreImpl{pool: pool},
		sessions: &SessionStoreImpl{pool: pool},
		keys:     &KeyStoreImpl{pool: pool},
	}, nil
}

// Jobs returns the generation-job sub-store.
func (s *Store) Jobs() *JobStoreImpl { return s.jobs }

// Avatars returns the avatar sub-store.
func (s *Store) Avatars() *AvatarStoreImpl { return s.avatars }

// Usage returns the usage-counter sub-store.
func (s *Store) Usage() *UsageStoreImpl { return s.usage }

// Sessions returns the session sub-store.
func (s *Store) Sessions() *SessionStoreImpl { return s.sessions }

// Keys returns the API-key sub-store.
func (s *Store) Keys() *KeyStoreImpl { return s.keys }

// Ping verifies database connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
