// Package store defines the persistence contracts for the control plane:
// generation jobs, avatars, usage counters, sessions, and API keys.
//
// The production implementation lives in store/postgres; store/mock provides
// in-memory doubles for tests. Interfaces are intentionally narrow — each
// consumer sees only the aggregate it owns.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/visage-ai/visage/pkg/types"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidTransition is returned when a status change would leave a
// terminal state or skip a lifecycle step.
var ErrInvalidTransition = errors.New("store: invalid status transition")

// JobStore is CRUD plus guarded state transitions over generation-job rows.
type JobStore interface {
	// Insert persists a new job, assigning its id and creation time when
	// unset, and returns the stored row.
	Insert(ctx context.Context, job Job) (Job, error)

	// Get returns the job by id.
	Get(ctx context.Context, id string) (Job, error)

	// GetByUpstreamTask returns the job that carries the given upstream
	// task id.
	GetByUpstreamTask(ctx context.Context, taskID string) (Job, error)

	// Update applies the set fields of upd to the row. Progress only moves
	// forward; regressions are ignored. Returns the updated row.
	Update(ctx context.Context, id string, upd JobUpdate) (Job, error)

	// Transition moves the job to the next status if the edge is legal,
	// applying upd in the same write. Illegal edges return
	// ErrInvalidTransition and leave the row untouched.
	Transition(ctx context.Context, id string, next types.JobStatus, upd JobUpdate) (Job, error)

	// ListByOwner pages through an owner's jobs of one kind, newest first.
	ListByOwner(ctx context.Context, ownerID string, kind types.JobKind, limit, offset int) ([]Job, error)

	// Delete removes the owner's job row. Missing rows return ErrNotFound.
	Delete(ctx context.Context, id, ownerID string) error

	// ReapStale marks processing rows older than their quality's deadline
	// as timed-out and returns the reclaimed rows.
	ReapStale(ctx context.Context, now time.Time) ([]Job, error)
}

// AvatarStore reads avatar rows. Mutations flow through an external CRUD
// surface; the core only consumes.
type AvatarStore interface {
	Get(ctx context.Context, id string) (Avatar, error)
}

// UsageStore reads and increments per-user monthly counters.
type UsageStore interface {
	// Get returns the counter row for one owner and resource.
	Get(ctx context.Context, ownerID string, resource types.Resource) (UsageCounter, error)

	// Increment adds amount to the counter. The addition is atomic per row;
	// check-then-increment across calls is deliberately not.
	Increment(ctx context.Context, ownerID string, resource types.Resource, amount float64) error
}

// SessionStore persists live-session rows and their transcripts.
type SessionStore interface {
	// Insert persists a new session, assigning id and start time when unset.
	Insert(ctx context.Context, s Session) (Session, error)

	// Finish stamps the terminal status and end time on the session.
	Finish(ctx context.Context, id string, status types.SessionStatus, endedAt time.Time) error

	// AppendTranscript stores the ordered turns for a session.
	AppendTranscript(ctx context.Context, sessionID string, entries []types.TranscriptEntry) error

	// ListByOwner pages through an owner's sessions, newest first.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Session, error)
}

// KeyStore resolves and audits API keys. Key issuance is external.
type KeyStore interface {
	// FindByPrefix returns the candidate keys sharing a display prefix.
	// Callers verify the salted hash against each candidate.
	FindByPrefix(ctx context.Context, prefix string) ([]APIKey, error)

	// Touch records the key's last use.
	Touch(ctx context.Context, id string, usedAt time.Time) error

	// RecordUsage bumps the per-key ledger for one endpoint bucket and
	// rate window.
	RecordUsage(ctx context.Context, keyID, bucket string, windowStart time.Time) error
}
