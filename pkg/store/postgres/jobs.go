package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// JobStoreImpl persists generation jobs in the generation_jobs table.
//
// Obtain one via [Store.Jobs] rather than constructing directly. All methods
// are safe for concurrent use.
type JobStoreImpl struct {
	pool *pgxpool.Pool
}

const jobColumns = `id, owner_id, avatar_id, kind, input_mode, script_text,
       source_audio_url, quality, language, upstream_task_id, result_url,
       status, progress, error_message, created_at, started_at, completed_at`

// scanJob scans one row in jobColumns order.
func scanJob(row pgx.CollectableRow) (store.Job, error) {
	var j store.Job
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.AvatarID, &j.Kind, &j.InputMode, &j.ScriptText,
		&j.SourceAudioURL, &j.Quality, &j.Language, &j.UpstreamTaskID, &j.ResultURL,
		&j.Status, &j.Progress, &j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	return j, err
}

// Insert implements [store.JobStore]. Missing id and status are assigned.
func (s *JobStoreImpl) Insert(ctx context.Context, job store.Job) (store.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = types.StatusQueued
	}

	const q = `
		INSERT INTO generation_jobs
		    (id, owner_id, avatar_id, kind, input_mode, script_text,
		     source_audio_url, quality, language, upstream_task_id,
		     result_url, status, progress, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, q,
		job.ID, job.OwnerID, job.AvatarID, job.Kind, job.InputMode, job.ScriptText,
		job.SourceAudioURL, job.Quality, job.Language, job.UpstreamTaskID,
		job.ResultURL, job.Status, job.Progress, job.ErrorMessage,
	)
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: insert: %w", err)
	}
	inserted, err := pgx.CollectOneRow(rows, scanJob)
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: insert: %w", err)
	}
	return inserted, nil
}

// Get implements [store.JobStore].
func (s *JobStoreImpl) Get(ctx context.Context, id string) (store.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: get: %w", err)
	}
	job, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Job{}, store.ErrNotFound
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: get: %w", err)
	}
	return job, nil
}

// GetByUpstreamTask implements [store.JobStore].
func (s *JobStoreImpl) GetByUpstreamTask(ctx context.Context, taskID string) (store.Job, error) {
	if taskID == "" {
		return store.Job{}, store.ErrNotFound
	}
	const q = `
		SELECT ` + jobColumns + `
		FROM   generation_jobs
		WHERE  upstream_task_id = $1
		ORDER  BY created_at DESC
		LIMIT  1`

	rows, err := s.pool.Query(ctx, q, taskID)
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: get by task: %w", err)
	}
	job, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Job{}, store.ErrNotFound
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: get by task: %w", err)
	}
	return job, nil
}

// Update implements [store.JobStore]. Progress can only move forward; stale
// progress writes from a racing path are absorbed by GREATEST.
func (s *JobStoreImpl) Update(ctx context.Context, id string, upd store.JobUpdate) (store.Job, error) {
	if upd.IsZero() {
		return s.Get(ctx, id)
	}

	args := []any{id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	if upd.Progress != nil {
		sets = append(sets, "progress = GREATEST(progress, "+next(*upd.Progress)+")")
	}
	if upd.ResultURL != nil {
		sets = append(sets, "result_url = "+next(*upd.ResultURL))
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = "+next(*upd.ErrorMessage))
	}
	if upd.UpstreamTaskID != nil {
		sets = append(sets, "upstream_task_id = "+next(*upd.UpstreamTaskID))
	}
	if upd.SourceAudioURL != nil {
		sets = append(sets, "source_audio_url = "+next(*upd.SourceAudioURL))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = "+next(*upd.CompletedAt))
	}

	q := "UPDATE generation_jobs SET " + strings.Join(sets, ", ") +
		" WHERE id = $1 RETURNING " + jobColumns

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: update: %w", err)
	}
	job, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Job{}, store.ErrNotFound
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: update: %w", err)
	}
	return job, nil
}

// transitionsInto lists the statuses that may legally move to next.
func transitionsInto(next types.JobStatus) []string {
	var from []string
	for _, s := range []types.JobStatus{
		types.StatusQueued, types.StatusProcessing,
		types.StatusCompleted, types.StatusFailed, types.StatusTimedOut,
	} {
		if s.CanTransitionTo(next) {
			from = append(from, string(s))
		}
	}
	return from
}

// Transition implements [store.JobStore]. The status guard lives in the
// WHERE clause so concurrent writers cannot both take the same edge.
func (s *JobStoreImpl) Transition(ctx context.Context, id string, next types.JobStatus, upd store.JobUpdate) (store.Job, error) {
	allowedFrom := transitionsInto(next)
	if len(allowedFrom) == 0 {
		return store.Job{}, fmt.Errorf("job store: no path into %q: %w", next, store.ErrInvalidTransition)
	}

	args := []any{id, string(next), allowedFrom}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"status = $2"}
	if next == types.StatusProcessing {
		sets = append(sets, "started_at = now()")
	}
	if upd.Progress != nil {
		sets = append(sets, "progress = "+arg(*upd.Progress))
	}
	if upd.ResultURL != nil {
		sets = append(sets, "result_url = "+arg(*upd.ResultURL))
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = "+arg(*upd.ErrorMessage))
	}
	if upd.UpstreamTaskID != nil {
		sets = append(sets, "upstream_task_id = "+arg(*upd.UpstreamTaskID))
	}
	if upd.SourceAudioURL != nil {
		sets = append(sets, "source_audio_url = "+arg(*upd.SourceAudioURL))
	}
	if next.IsTerminal() {
		if upd.CompletedAt != nil {
			sets = append(sets, "completed_at = "+arg(*upd.CompletedAt))
		} else {
			sets = append(sets, "completed_at = now()")
		}
	}

	q := "UPDATE generation_jobs SET " + strings.Join(sets, ", ") +
		" WHERE id = $1 AND status = ANY($3) RETURNING " + jobColumns

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: transition: %w", err)
	}
	job, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row missing or edge illegal; one more read to tell them apart.
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return store.Job{}, store.ErrNotFound
		}
		return store.Job{}, fmt.Errorf("job store: %q -> %q: %w", id, next, store.ErrInvalidTransition)
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("job store: transition: %w", err)
	}
	return job, nil
}

// ListByOwner implements [store.JobStore].
func (s *JobStoreImpl) ListByOwner(ctx context.Context, ownerID string, kind types.JobKind, limit, offset int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT ` + jobColumns + `
		FROM   generation_jobs
		WHERE  owner_id = $1 AND kind = $2
		ORDER  BY created_at DESC
		LIMIT  $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, q, ownerID, kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("job store: list: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("job store: list: %w", err)
	}
	return jobs, nil
}

// Delete implements [store.JobStore].
func (s *JobStoreImpl) Delete(ctx context.Context, id, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM generation_jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("job store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ReapStale implements [store.JobStore]. Processing rows past their
// quality's deadline are moved to timed-out in one statement. Rows that
// never recorded started_at fall back to created_at.
func (s *JobStoreImpl) ReapStale(ctx context.Context, now time.Time) ([]store.Job, error) {
	fastCutoff := now.Add(-types.QualityFast.ProcessingDeadline())
	highCutoff := now.Add(-types.QualityHigh.ProcessingDeadline())

	const q = `
		UPDATE generation_jobs
		SET    status = $1, error_message = $2, progress = 0, completed_at = $3
		WHERE  status = $4
		  AND  ((quality = $5 AND COALESCE(started_at, created_at) < $6)
		    OR  (quality <> $5 AND COALESCE(started_at, created_at) < $7))
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, q,
		types.StatusTimedOut, "processing deadline exceeded", now,
		types.StatusProcessing, types.QualityHigh, highCutoff, fastCutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("job store: reap: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("job store: reap: %w", err)
	}
	return jobs, nil
}
