// Package postgres provides the PostgreSQL-backed implementation of the
// visage persistence contracts (jobs, avatars, usage counters, sessions,
// API keys).
//
// All aggregates share a single [pgxpool.Pool]. [Migrate] creates every
// table and index with CREATE ... IF NOT EXISTS, so startup is idempotent.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	jobs := store.Jobs()
//	row, _ := jobs.Insert(ctx, job)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — avatars
// ─────────────────────────────────────────────────────────────────────────────

const ddlAvatars = `
CREATE TABLE IF NOT EXISTS avatars (
    id               TEXT         PRIMARY KEY,
    owner_id         TEXT         NOT NULL,
    name             TEXT         NOT NULL DEFAULT '',
    image_url        TEXT         NOT NULL DEFAULT '',
    voice_sample_url TEXT         NOT NULL DEFAULT '',
    persona          TEXT         NOT NULL DEFAULT '',
    language         TEXT         NOT NULL DEFAULT 'en',
    public           BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_avatars_owner
    ON avatars (owner_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — generation jobs
// ─────────────────────────────────────────────────────────────────────────────

const ddlGenerationJobs = `
CREATE TABLE IF NOT EXISTS generation_jobs (
    id               TEXT         PRIMARY KEY,
    owner_id         TEXT         NOT NULL,
    avatar_id        TEXT         NOT NULL,
    kind             TEXT         NOT NULL,
    input_mode       TEXT         NOT NULL DEFAULT 'script',
    script_text      TEXT         NOT NULL DEFAULT '',
    source_audio_url TEXT         NOT NULL DEFAULT '',
    quality          TEXT         NOT NULL DEFAULT 'fast',
    language         TEXT         NOT NULL DEFAULT 'en',
    upstream_task_id TEXT         NOT NULL DEFAULT '',
    result_url       TEXT         NOT NULL DEFAULT '',
    status           TEXT         NOT NULL DEFAULT 'queued',
    progress         INTEGER      NOT NULL DEFAULT 0,
    error_message    TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_generation_jobs_owner_kind
    ON generation_jobs (owner_id, kind, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_generation_jobs_upstream_task
    ON generation_jobs (upstream_task_id) WHERE upstream_task_id <> '';

CREATE INDEX IF NOT EXISTS idx_generation_jobs_status
    ON generation_jobs (status);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — usage counters
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsageCounters = `
CREATE TABLE IF NOT EXISTS usage_counters (
    owner_id    TEXT              NOT NULL,
    resource    TEXT              NOT NULL,
    used        DOUBLE PRECISION  NOT NULL DEFAULT 0,
    usage_limit DOUBLE PRECISION  NOT NULL DEFAULT 0,
    cycle_start TIMESTAMPTZ       NOT NULL DEFAULT date_trunc('month', now()),
    PRIMARY KEY (owner_id, resource)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — sessions and transcripts
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT         PRIMARY KEY,
    owner_id   TEXT         NOT NULL,
    avatar_id  TEXT         NOT NULL,
    kind       TEXT         NOT NULL,
    language   TEXT         NOT NULL DEFAULT 'en',
    status     TEXT         NOT NULL DEFAULT 'connecting',
    started_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner
    ON sessions (owner_id, started_at DESC);

CREATE TABLE IF NOT EXISTS session_transcripts (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    seq        INTEGER      NOT NULL,
    role       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_transcripts_session
    ON session_transcripts (session_id, seq);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — API keys and the per-key usage ledger
// ─────────────────────────────────────────────────────────────────────────────

const ddlAPIKeys = `
CREATE TABLE IF NOT EXISTS api_keys (
    id           TEXT         PRIMARY KEY,
    owner_id     TEXT         NOT NULL,
    secret_hash  TEXT         NOT NULL,
    salt         TEXT         NOT NULL,
    prefix       TEXT         NOT NULL,
    resources    TEXT[]       NOT NULL DEFAULT '{}',
    active       BOOLEAN      NOT NULL DEFAULT TRUE,
    expires_at   TIMESTAMPTZ,
    last_used_at TIMESTAMPTZ,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_api_keys_prefix
    ON api_keys (prefix);

CREATE TABLE IF NOT EXISTS api_usage (
    key_id       TEXT         NOT NULL,
    bucket       TEXT         NOT NULL,
    window_start TIMESTAMPTZ  NOT NULL,
    calls        BIGINT       NOT NULL DEFAULT 0,
    PRIMARY KEY (key_id, bucket, window_start)
);
`

// Migrate creates all tables and indexes. Statements are idempotent and run
// in dependency order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	ddls := []struct {
		name string
		sql  string
	}{
		{"avatars", ddlAvatars},
		{"generation_jobs", ddlGenerationJobs},
		{"usage_counters", ddlUsageCounters},
		{"sessions", ddlSessions},
		{"api_keys", ddlAPIKeys},
	}
	for _, ddl := range ddls {
		if _, err := pool.Exec(ctx, ddl.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", ddl.name, err)
		}
	}
	return nil
}
