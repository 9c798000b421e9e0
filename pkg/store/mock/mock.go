// Package mock provides an in-memory test double for the persistence
// contracts in pkg/store.
//
// Unlike a canned-response stub, Store keeps real state: jobs move through
// the same status machine the PostgreSQL implementation enforces, progress
// only travels forward, and usage counters accumulate. Error fields inject
// failures per method for unhappy-path tests.
//
// Example:
//
//	st := mock.NewStore()
//	st.PutAvatar(store.Avatar{ID: "a1", OwnerID: "u1", VoiceSampleURL: "..."})
//	job, _ := st.Insert(ctx, store.Job{OwnerID: "u1", AvatarID: "a1", Kind: types.JobAudio})
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// TransitionCall records a single invocation of Transition.
type TransitionCall struct {
	// JobID is the job the transition targeted.
	JobID string
	// Next is the requested status.
	Next types.JobStatus
}

// IncrementCall records a single invocation of Increment.
type IncrementCall struct {
	// OwnerID is the charged account.
	OwnerID string
	// Resource is the charged resource.
	Resource types.Resource
	// Amount is the charged amount.
	Amount float64
}

type counterKey struct {
	owner    string
	resource types.Resource
}

// Store is an in-memory implementation of every pkg/store contract.
type Store struct {
	mu sync.Mutex

	// --- Configurable failures ---

	// InsertJobErr, if non-nil, is returned by Insert.
	InsertJobErr error

	// GetJobErr, if non-nil, is returned by Get and GetByUpstreamTask.
	GetJobErr error

	// UpdateJobErr, if non-nil, is returned by Update.
	UpdateJobErr error

	// TransitionJobErr, if non-nil, is returned by Transition.
	TransitionJobErr error

	// GetAvatarErr, if non-nil, is returned by the avatar Get.
	GetAvatarErr error

	// IncrementErr, if non-nil, is returned by Increment.
	IncrementErr error

	// AppendTranscriptErr, if non-nil, is returned by AppendTranscript.
	AppendTranscriptErr error

	// --- Call records ---

	// TransitionCalls records every call to Transition in order.
	TransitionCalls []TransitionCall

	// IncrementCalls records every call to Increment in order.
	IncrementCalls []IncrementCall

	jobs        map[string]store.Job
	avatars     map[string]store.Avatar
	counters    map[counterKey]store.UsageCounter
	sessions    map[string]store.Session
	transcripts map[string][]types.TranscriptEntry
	keys        map[string]store.APIKey
	keyUsage    map[string]int64
}

// NewStore returns an empty Store ready for use.
func NewStore() *Store {
	return &Store{
		jobs:        make(map[string]store.Job),
		avatars:     make(map[string]store.Avatar),
		counters:    make(map[counterKey]store.UsageCounter),
		sessions:    make(map[string]store.Session),
		transcripts: make(map[string][]types.TranscriptEntry),
		keys:        make(map[string]store.APIKey),
		keyUsage:    make(map[string]int64),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// JobStore
// ─────────────────────────────────────────────────────────────────────────────

// Insert implements [store.JobStore].
func (s *Store) Insert(ctx context.Context, job store.Job) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertJobErr != nil {
		return store.Job{}, s.InsertJobErr
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = types.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	s.jobs[job.ID] = job.Clone()
	return job.Clone(), nil
}

// Get implements [store.JobStore].
func (s *Store) Get(ctx context.Context, id string) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetJobErr != nil {
		return store.Job{}, s.GetJobErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return job.Clone(), nil
}

// GetByUpstreamTask implements [store.JobStore].
func (s *Store) GetByUpstreamTask(ctx context.Context, taskID string) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetJobErr != nil {
		return store.Job{}, s.GetJobErr
	}
	if taskID == "" {
		return store.Job{}, store.ErrNotFound
	}
	var found *store.Job
	for _, job := range s.jobs {
		if job.UpstreamTaskID != taskID {
			continue
		}
		if found == nil || job.CreatedAt.After(found.CreatedAt) {
			j := job
			found = &j
		}
	}
	if found == nil {
		return store.Job{}, store.ErrNotFound
	}
	return found.Clone(), nil
}

// Update implements [store.JobStore].
func (s *Store) Update(ctx context.Context, id string, upd store.JobUpdate) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateJobErr != nil {
		return store.Job{}, s.UpdateJobErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	applyUpdate(&job, upd)
	s.jobs[id] = job.Clone()
	return job.Clone(), nil
}

// Transition implements [store.JobStore].
func (s *Store) Transition(ctx context.Context, id string, next types.JobStatus, upd store.JobUpdate) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TransitionCalls = append(s.TransitionCalls, TransitionCall{JobID: id, Next: next})
	if s.TransitionJobErr != nil {
		return store.Job{}, s.TransitionJobErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	if !job.Status.CanTransitionTo(next) {
		return store.Job{}, fmt.Errorf("mock store: %q -> %q: %w", job.Status, next, store.ErrInvalidTransition)
	}
	now := time.Now()
	job.Status = next
	if next == types.StatusProcessing {
		job.StartedAt = &now
	}
	applyUpdate(&job, upd)
	if next.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	s.jobs[id] = job.Clone()
	return job.Clone(), nil
}

// ListByOwner implements [store.JobStore].
func (s *Store) ListByOwner(ctx context.Context, ownerID string, kind types.JobKind, limit, offset int) ([]store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []store.Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID && job.Kind == kind {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements [store.JobStore].
func (s *Store) Delete(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

// ReapStale implements [store.JobStore].
func (s *Store) ReapStale(ctx context.Context, now time.Time) ([]store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reaped []store.Job
	for id, job := range s.jobs {
		if job.Status != types.StatusProcessing {
			continue
		}
		started := job.CreatedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		if now.Sub(started) <= job.Quality.ProcessingDeadline() {
			continue
		}
		job.Status = types.StatusTimedOut
		job.ErrorMessage = "processing deadline exceeded"
		job.Progress = 0
		done := now
		job.CompletedAt = &done
		s.jobs[id] = job.Clone()
		reaped = append(reaped, job.Clone())
	}
	return reaped, nil
}

func applyUpdate(job *store.Job, upd store.JobUpdate) {
	if upd.Progress != nil && *upd.Progress > job.Progress {
		job.Progress = *upd.Progress
	}
	if upd.ResultURL != nil {
		job.ResultURL = *upd.ResultURL
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = *upd.ErrorMessage
	}
	if upd.UpstreamTaskID != nil {
		job.UpstreamTaskID = *upd.UpstreamTaskID
	}
	if upd.SourceAudioURL != nil {
		job.SourceAudioURL = *upd.SourceAudioURL
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		job.CompletedAt = &t
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// AvatarStore
// ─────────────────────────────────────────────────────────────────────────────

// PutAvatar seeds an avatar row.
func (s *Store) PutAvatar(av store.Avatar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avatars[av.ID] = av
}

// GetAvatar implements [store.AvatarStore].
func (s *Store) GetAvatar(ctx context.Context, id string) (store.Avatar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetAvatarErr != nil {
		return store.Avatar{}, s.GetAvatarErr
	}
	av, ok := s.avatars[id]
	if !ok {
		return store.Avatar{}, store.ErrNotFound
	}
	return av, nil
}

// Avatars adapts the store to [store.AvatarStore], whose method is named Get.
func (s *Store) Avatars() store.AvatarStore { return avatarView{s} }

type avatarView struct{ s *Store }

func (v avatarView) Get(ctx context.Context, id string) (store.Avatar, error) {
	return v.s.GetAvatar(ctx, id)
}

// ─────────────────────────────────────────────────────────────────────────────
// UsageStore
// ─────────────────────────────────────────────────────────────────────────────

// SetLimit seeds a usage counter with the given limit and zero usage.
func (s *Store) SetLimit(ownerID string, resource types.Resource, limit float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{ownerID, resource}
	c := s.counters[key]
	c.OwnerID = ownerID
	c.Resource = resource
	c.Limit = limit
	s.counters[key] = c
}

// GetUsage implements [store.UsageStore]'s Get.
func (s *Store) GetUsage(ctx context.Context, ownerID string, resource types.Resource) (store.UsageCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[counterKey{ownerID, resource}]
	if !ok {
		return store.UsageCounter{}, store.ErrNotFound
	}
	return c, nil
}

// Increment implements [store.UsageStore].
func (s *Store) Increment(ctx context.Context, ownerID string, resource types.Resource, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IncrementCalls = append(s.IncrementCalls, IncrementCall{OwnerID: ownerID, Resource: resource, Amount: amount})
	if s.IncrementErr != nil {
		return s.IncrementErr
	}
	key := counterKey{ownerID, resource}
	c := s.counters[key]
	c.OwnerID = ownerID
	c.Resource = resource
	c.Used += amount
	s.counters[key] = c
	return nil
}

// Usage adapts the store to [store.UsageStore], whose read is named Get.
func (s *Store) Usage() store.UsageStore { return usageView{s} }

type usageView struct{ s *Store }

func (v usageView) Get(ctx context.Context, ownerID string, resource types.Resource) (store.UsageCounter, error) {
	return v.s.GetUsage(ctx, ownerID, resource)
}

func (v usageView) Increment(ctx context.Context, ownerID string, resource types.Resource, amount float64) error {
	return v.s.Increment(ctx, ownerID, resource, amount)
}

// ─────────────────────────────────────────────────────────────────────────────
// SessionStore
// ─────────────────────────────────────────────────────────────────────────────

// InsertSession implements [store.SessionStore]'s Insert.
func (s *Store) InsertSession(ctx context.Context, sess store.Session) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = types.SessionConnecting
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// Finish implements [store.SessionStore].
func (s *Store) Finish(ctx context.Context, id string, status types.SessionStatus, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Status = status
	sess.EndedAt = &endedAt
	s.sessions[id] = sess
	return nil
}

// AppendTranscript implements [store.SessionStore].
func (s *Store) AppendTranscript(ctx context.Context, sessionID string, entries []types.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendTranscriptErr != nil {
		return s.AppendTranscriptErr
	}
	s.transcripts[sessionID] = append(s.transcripts[sessionID], entries...)
	return nil
}

// TranscriptOf returns the stored transcript for assertions.
func (s *Store) TranscriptOf(sessionID string) []types.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TranscriptEntry, len(s.transcripts[sessionID]))
	copy(out, s.transcripts[sessionID])
	return out
}

// ListSessionsByOwner implements [store.SessionStore]'s ListByOwner.
func (s *Store) ListSessionsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []store.Session
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Sessions adapts the store to [store.SessionStore].
func (s *Store) Sessions() store.SessionStore { return sessionView{s} }

type sessionView struct{ s *Store }

func (v sessionView) Insert(ctx context.Context, sess store.Session) (store.Session, error) {
	return v.s.InsertSession(ctx, sess)
}

func (v sessionView) Finish(ctx context.Context, id string, status types.SessionStatus, endedAt time.Time) error {
	return v.s.Finish(ctx, id, status, endedAt)
}

func (v sessionView) AppendTranscript(ctx context.Context, sessionID string, entries []types.TranscriptEntry) error {
	return v.s.AppendTranscript(ctx, sessionID, entries)
}

func (v sessionView) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]store.Session, error) {
	return v.s.ListSessionsByOwner(ctx, ownerID, limit, offset)
}

// ─────────────────────────────────────────────────────────────────────────────
// KeyStore
// ─────────────────────────────────────────────────────────────────────────────

// PutKey seeds an API key row.
func (s *Store) PutKey(k store.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = k
}

// FindByPrefix implements [store.KeyStore].
func (s *Store) FindByPrefix(ctx context.Context, prefix string) ([]store.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.APIKey
	for _, k := range s.keys {
		if k.Prefix == prefix && k.Active {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Touch implements [store.KeyStore].
func (s *Store) Touch(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil
	}
	k.LastUsedAt = &usedAt
	s.keys[id] = k
	return nil
}

// RecordUsage implements [store.KeyStore].
func (s *Store) RecordUsage(ctx context.Context, keyID, bucket string, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyUsage[keyID+"|"+bucket+"|"+windowStart.UTC().Format(time.RFC3339)]++
	return nil
}

// KeyUsageCount returns the ledger count for assertions.
func (s *Store) KeyUsageCount(keyID, bucket string, windowStart time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyUsage[keyID+"|"+bucket+"|"+windowStart.UTC().Format(time.RFC3339)]
}

// Reset clears all state and recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]store.Job)
	s.avatars = make(map[string]store.Avatar)
	s.counters = make(map[counterKey]store.UsageCounter)
	s.sessions = make(map[string]store.Session)
	s.transcripts = make(map[string][]types.TranscriptEntry)
	s.keys = make(map[string]store.APIKey)
	s.keyUsage = make(map[string]int64)
	s.TransitionCalls = nil
	s.IncrementCalls = nil
}

// Compile-time interface checks.
var (
	_ store.JobStore     = (*Store)(nil)
	_ store.AvatarStore  = avatarView{}
	_ store.UsageStore   = usageView{}
	_ store.SessionStore = sessionView{}
	_ store.KeyStore     = (*Store)(nil)
)
