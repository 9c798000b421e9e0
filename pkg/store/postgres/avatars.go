package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visage-ai/visage/pkg/store"
)

// AvatarStoreImpl reads avatar rows. Avatars are written by the account
// service that owns signup and asset upload; this side only consumes them.
type AvatarStoreImpl struct {
	pool *pgxpool.Pool
}

// Get implements [store.AvatarStore].
func (s *AvatarStoreImpl) Get(ctx context.Context, id string) (store.Avatar, error) {
	const q = `
		SELECT id, owner_id, name, image_url, voice_sample_url,
		       persona, language, public, created_at
		FROM   avatars
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return store.Avatar{}, fmt.Errorf("avatar store: get: %w", err)
	}
	av, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (store.Avatar, error) {
		var a store.Avatar
		err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.ImageURL, &a.VoiceSampleURL,
			&a.Persona, &a.Language, &a.Public, &a.CreatedAt)
		return a, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Avatar{}, store.ErrNotFound
	}
	if err != nil {
		return store.Avatar{}, fmt.Errorf("avatar store: get: %w", err)
	}
	return av, nil
}
