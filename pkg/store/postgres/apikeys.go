package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visage-ai/visage/pkg/store"
)

// KeyStoreImpl resolves API keys and maintains the per-key usage ledger.
// Key issuance and revocation live in the account service.
type KeyStoreImpl struct {
	pool *pgxpool.Pool
}

// FindByPrefix implements [store.KeyStore].
func (s *KeyStoreImpl) FindByPrefix(ctx context.Context, prefix string) ([]store.APIKey, error) {
	const q = `
		SELECT id, owner_id, secret_hash, salt, prefix, resources,
		       active, expires_at, last_used_at, created_at
		FROM   api_keys
		WHERE  prefix = $1 AND active`

	rows, err := s.pool.Query(ctx, q, prefix)
	if err != nil {
		return nil, fmt.Errorf("key store: find: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.APIKey, error) {
		var k store.APIKey
		err := row.Scan(&k.ID, &k.OwnerID, &k.SecretHash, &k.Salt, &k.Prefix,
			&k.Resources, &k.Active, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("key store: find: %w", err)
	}
	return keys, nil
}

// Touch implements [store.KeyStore].
func (s *KeyStoreImpl) Touch(ctx context.Context, id string, usedAt time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, usedAt); err != nil {
		return fmt.Errorf("key store: touch: %w", err)
	}
	return nil
}

// RecordUsage implements [store.KeyStore].
func (s *KeyStoreImpl) RecordUsage(ctx context.Context, keyID, bucket string, windowStart time.Time) error {
	const q = `
		INSERT INTO api_usage (key_id, bucket, window_start, calls)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (key_id, bucket, window_start)
		DO UPDATE SET calls = api_usage.calls + 1`

	if _, err := s.pool.Exec(ctx, q, keyID, bucket, windowStart); err != nil {
		return fmt.Errorf("key store: record usage: %w", err)
	}
	return nil
}
