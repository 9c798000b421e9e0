package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// SessionStoreImpl persists live-session rows and their transcripts.
type SessionStoreImpl struct {
	pool *pgxpool.Pool
}

const sessionColumns = `id, owner_id, avatar_id, kind, language, status, started_at, ended_at`

func scanSession(row pgx.CollectableRow) (store.Session, error) {
	var s store.Session
	err := row.Scan(&s.ID, &s.OwnerID, &s.AvatarID, &s.Kind, &s.Language,
		&s.Status, &s.StartedAt, &s.EndedAt)
	return s, err
}

// Insert implements [store.SessionStore].
func (s *SessionStoreImpl) Insert(ctx context.Context, sess store.Session) (store.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = types.SessionConnecting
	}

	const q = `
		INSERT INTO sessions (id, owner_id, avatar_id, kind, language, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + sessionColumns

	rows, err := s.pool.Query(ctx, q,
		sess.ID, sess.OwnerID, sess.AvatarID, sess.Kind, sess.Language, sess.Status)
	if err != nil {
		return store.Session{}, fmt.Errorf("session store: insert: %w", err)
	}
	inserted, err := pgx.CollectOneRow(rows, scanSession)
	if err != nil {
		return store.Session{}, fmt.Errorf("session store: insert: %w", err)
	}
	return inserted, nil
}

// Finish implements [store.SessionStore].
func (s *SessionStoreImpl) Finish(ctx context.Context, id string, status types.SessionStatus, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, ended_at = $3 WHERE id = $1`,
		id, status, endedAt)
	if err != nil {
		return fmt.Errorf("session store: finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendTranscript implements [store.SessionStore]. Entries extend the
// existing transcript, keeping seq contiguous across calls.
func (s *SessionStoreImpl) AppendTranscript(ctx context.Context, sessionID string, entries []types.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var base int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) FROM session_transcripts WHERE session_id = $1`,
		sessionID).Scan(&base)
	if err != nil {
		return fmt.Errorf("session store: transcript seq: %w", err)
	}

	batch := &pgx.Batch{}
	for i, e := range entries {
		batch.Queue(
			`INSERT INTO session_transcripts (session_id, seq, role, text) VALUES ($1, $2, $3, $4)`,
			sessionID, base+1+i, e.Role, e.Text)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("session store: append transcript: %w", err)
	}
	return nil
}

// Transcript returns a session's turns in order.
func (s *SessionStoreImpl) Transcript(ctx context.Context, sessionID string) ([]types.TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, text FROM session_transcripts WHERE session_id = $1 ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("session store: transcript: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptEntry, error) {
		var e types.TranscriptEntry
		err := row.Scan(&e.Role, &e.Text)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("session store: transcript: %w", err)
	}
	return entries, nil
}

// ListByOwner implements [store.SessionStore].
func (s *SessionStoreImpl) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]store.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT ` + sessionColumns + `
		FROM   sessions
		WHERE  owner_id = $1
		ORDER  BY started_at DESC
		LIMIT  $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, q, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	return sessions, nil
}
