package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/store/postgres"
	"github.com/visage-ai/visage/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VISAGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VISAGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VISAGE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	st, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

// mustPool opens a bare pgxpool for schema cleanup and row fixtures that
// have no public write path (avatars, api keys).
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS api_usage CASCADE",
		"DROP TABLE IF EXISTS api_keys CASCADE",
		"DROP TABLE IF EXISTS session_transcripts CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
		"DROP TABLE IF EXISTS usage_counters CASCADE",
		"DROP TABLE IF EXISTS generation_jobs CASCADE",
		"DROP TABLE IF EXISTS avatars CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Jobs
// ─────────────────────────────────────────────────────────────────────────────

func TestJobs_InsertAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobs := st.Jobs()

	inserted, err := jobs.Insert(ctx, store.Job{
		OwnerID:    "owner-1",
		AvatarID:   "avatar-1",
		Kind:       types.JobAudio,
		InputMode:  types.InputScript,
		ScriptText: "Hello there.",
		Quality:    types.QualityFast,
		Language:   "en",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if inserted.ID == "" {
		t.Error("Insert: expected generated id")
	}
	if inserted.Status != types.StatusQueued {
		t.Errorf("Status: want queued, got %s", inserted.Status)
	}
	if inserted.CreatedAt.IsZero() {
		t.Error("CreatedAt: expected database timestamp")
	}
	if inserted.StartedAt != nil {
		t.Errorf("StartedAt: want nil before processing, got %v", inserted.StartedAt)
	}

	got, err := jobs.Get(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ScriptText != "Hello there." {
		t.Errorf("ScriptText: want %q, got %q", "Hello there.", got.ScriptText)
	}
	if got.Kind != types.JobAudio {
		t.Errorf("Kind: want audio, got %s", got.Kind)
	}

	_, err = jobs.Get(ctx, "missing-id")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing: want ErrNotFound, got %v", err)
	}
}

func TestJobs_UpdateProgressOnlyForward(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobs := st.Jobs()

	job := mustInsertJob(t, ctx, jobs, "owner-1", types.JobAudio)

	p40 := 40
	updated, err := jobs.Update(ctx, job.ID, store.JobUpdate{Progress: &p40})
	if err != nil {
		t.Fatalf("Update(40): %v", err)
	}
	if updated.Progress != 40 {
		t.Errorf("Progress: want 40, got %d", updated.Progress)
	}

	// A stale writer cannot move progress backwards.
	p20 := 20
	updated, err = jobs.Update(ctx, job.ID, store.JobUpdate{Progress: &p20})
	if err != nil {
		t.Fatalf("Update(20): %v", err)
	}
	if updated.Progress != 40 {
		t.Errorf("Progress after regression: want 40, got %d", updated.Progress)
	}

	url := "https://cdn.example.com/out.wav"
	task := "task-9"
	updated, err = jobs.Update(ctx, job.ID, store.JobUpdate{ResultURL: &url, UpstreamTaskID: &task})
	if err != nil {
		t.Fatalf("Update(url): %v", err)
	}
	if updated.ResultURL != url || updated.UpstreamTaskID != task {
		t.Errorf("Update: want (%q, %q), got (%q, %q)", url, task, updated.ResultURL, updated.UpstreamTaskID)
	}

	_, err = jobs.Update(ctx, "missing-id", store.JobUpdate{Progress: &p40})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update missing: want ErrNotFound, got %v", err)
	}
}

func TestJobs_Transition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobs := st.Jobs()

	job := mustInsertJob(t, ctx, jobs, "owner-1", types.JobVideo)

	// queued → processing stamps started_at.
	p20 := 20
	processing, err := jobs.Transition(ctx, job.ID, types.StatusProcessing, store.JobUpdate{Progress: &p20})
	if err != nil {
		t.Fatalf("Transition processing: %v", err)
	}
	if processing.Status != types.StatusProcessing {
		t.Errorf("Status: want processing, got %s", processing.Status)
	}
	if processing.Progress != 20 {
		t.Errorf("Progress: want 20, got %d", processing.Progress)
	}
	if processing.StartedAt == nil {
		t.Error("StartedAt: expected stamp on processing transition")
	}

	// processing → completed stamps completed_at.
	p100 := 100
	url := "https://cdn.example.com/out.mp4"
	done, err := jobs.Transition(ctx, job.ID, types.StatusCompleted, store.JobUpdate{Progress: &p100, ResultURL: &url})
	if err != nil {
		t.Fatalf("Transition completed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt: expected stamp on terminal transition")
	}
	if done.ResultURL != url {
		t.Errorf("ResultURL: want %q, got %q", url, done.ResultURL)
	}

	// Terminal rows refuse further edges.
	_, err = jobs.Transition(ctx, job.ID, types.StatusProcessing, store.JobUpdate{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Transition out of terminal: want ErrInvalidTransition, got %v", err)
	}
	_, err = jobs.Transition(ctx, job.ID, types.StatusFailed, store.JobUpdate{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Transition completed→failed: want ErrInvalidTransition, got %v", err)
	}

	// queued → completed skips processing and is rejected.
	other := mustInsertJob(t, ctx, jobs, "owner-1", types.JobVideo)
	_, err = jobs.Transition(ctx, other.ID, types.StatusCompleted, store.JobUpdate{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Transition queued→completed: want ErrInvalidTransition, got %v", err)
	}

	// Nothing ever enters queued.
	_, err = jobs.Transition(ctx, other.ID, types.StatusQueued, store.JobUpdate{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Transition into queued: want ErrInvalidTransition, got %v", err)
	}

	_, err = jobs.Transition(ctx, "missing-id", types.StatusProcessing, store.JobUpdate{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Transition missing: want ErrNotFound, got %v", err)
	}
}

func TestJobs_GetByUpstreamTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobs := st.Jobs()

	job := mustInsertJob(t, ctx, jobs, "owner-1", types.JobVideo)
	task := "upstream-task-42"
	if _, err := jobs.Update(ctx, job.ID, store.JobUpdate{UpstreamTaskID: &task}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := jobs.GetByUpstreamTask(ctx, task)
	if err != nil {
		t.Fatalf("GetByUpstreamTask: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("job id: want %s, got %s", job.ID, got.ID)
	}

	_, err = jobs.GetByUpstreamTask(ctx, "no-such-task")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown task: want ErrNotFound, got %v", err)
	}

	// Empty task ids never match the rows whose column defaulted to ''.
	_, err = jobs.GetByUpstreamTask(ctx, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("empty task: want ErrNotFound, got %v", err)
	}
}

func TestJobs_ListAndDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobs := st.Jobs()

	a := mustInsertJob(t, ctx, jobs, "owner-1", types.JobAudio)
	b := mustInsertJob(t, ctx, jobs, "owner-1", types.JobAudio)
	mustInsertJob(t, ctx, jobs, "owner-1", types.JobVideo)
	mustInsertJob(t, ctx, jobs, "owner-2", types.JobAudio)

	list, err := jobs.ListByOwner(ctx, "owner-1", types.JobAudio, 10, 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListByOwner: want 2, got %d", len(list))
	}

	paged, err := jobs.ListByOwner(ctx, "owner-1", types.JobAudio, 1, 1)
	if err != nil {
		t.Fatalf("ListByOwner paged: %v", err)
	}
	if len(paged) != 1 {
		t.Errorf("paged: want 1, got %d", len(paged))
	}

	// Owner scope is enforced on delete.
	if err := jobs.Delete(ctx, a.ID, "owner-2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Delete wrong owner: want ErrNotFound, got %v", err)
	}
	if err := jobs.Delete(ctx, a.ID, "owner-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := jobs.Get(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after delete: want ErrNotFound, got %v", err)
	}
	_ = b
}

func TestJobs_ReapStale(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jobs := st.Jobs()
	pool := mustPool(t, ctx, testDSN(t))
	t.Cleanup(pool.Close)

	stale := mustInsertJob(t, ctx, jobs, "owner-1", types.JobVideo)
	fresh := mustInsertJob(t, ctx, jobs, "owner-1", types.JobVideo)
	queued := mustInsertJob(t, ctx, jobs, "owner-1", types.JobVideo)

	for _, id := range []string{stale.ID, fresh.ID} {
		if _, err := jobs.Transition(ctx, id, types.StatusProcessing, store.JobUpdate{}); err != nil {
			t.Fatalf("Transition processing: %v", err)
		}
	}

	// Backdate the stale job past the fast-quality deadline.
	backdated := time.Now().Add(-types.QualityFast.ProcessingDeadline() - time.Minute)
	if _, err := pool.Exec(ctx,
		`UPDATE generation_jobs SET started_at = $2 WHERE id = $1`, stale.ID, backdated); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	reaped, err := jobs.ReapStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != stale.ID {
		t.Fatalf("ReapStale: want [%s], got %v", stale.ID, jobIDs(reaped))
	}
	if reaped[0].Status != types.StatusTimedOut {
		t.Errorf("reaped status: want timed-out, got %s", reaped[0].Status)
	}
	if reaped[0].CompletedAt == nil {
		t.Error("reaped CompletedAt: expected stamp")
	}

	// The fresh processing job and the queued job are untouched.
	gotFresh, _ := jobs.Get(ctx, fresh.ID)
	if gotFresh.Status != types.StatusProcessing {
		t.Errorf("fresh status: want processing, got %s", gotFresh.Status)
	}
	gotQueued, _ := jobs.Get(ctx, queued.ID)
	if gotQueued.Status != types.StatusQueued {
		t.Errorf("queued status: want queued, got %s", gotQueued.Status)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Usage counters
// ─────────────────────────────────────────────────────────────────────────────

func TestUsage_IncrementAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	usage := st.Usage()

	_, err := usage.Get(ctx, "owner-1", types.ResourceAudioMinutes)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get before increment: want ErrNotFound, got %v", err)
	}

	if err := usage.Increment(ctx, "owner-1", types.ResourceAudioMinutes, 2.5); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if err := usage.Increment(ctx, "owner-1", types.ResourceAudioMinutes, 1.5); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	c, err := usage.Get(ctx, "owner-1", types.ResourceAudioMinutes)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Used != 4.0 {
		t.Errorf("Used: want 4.0, got %v", c.Used)
	}

	// Resources do not bleed into each other.
	if err := usage.Increment(ctx, "owner-1", types.ResourceVideoMinutes, 1.0); err != nil {
		t.Fatalf("Increment video: %v", err)
	}
	c, err = usage.Get(ctx, "owner-1", types.ResourceAudioMinutes)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Used != 4.0 {
		t.Errorf("Used after other resource: want 4.0, got %v", c.Used)
	}
}

func TestUsage_CycleRollover(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	usage := st.Usage()
	pool := mustPool(t, ctx, testDSN(t))
	t.Cleanup(pool.Close)

	if err := usage.Increment(ctx, "owner-1", types.ResourceVideoMinutes, 9.0); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	// Simulate a counter from the previous month.
	if _, err := pool.Exec(ctx,
		`UPDATE usage_counters SET cycle_start = cycle_start - interval '1 month'
		 WHERE owner_id = $1 AND resource = $2`,
		"owner-1", types.ResourceVideoMinutes); err != nil {
		t.Fatalf("backdate cycle: %v", err)
	}

	// A lapsed cycle reads as zero usage.
	c, err := usage.Get(ctx, "owner-1", types.ResourceVideoMinutes)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Used != 0 {
		t.Errorf("Used after rollover: want 0, got %v", c.Used)
	}

	// The next increment restarts the counter instead of adding to last month.
	if err := usage.Increment(ctx, "owner-1", types.ResourceVideoMinutes, 2.0); err != nil {
		t.Fatalf("Increment after rollover: %v", err)
	}
	c, err = usage.Get(ctx, "owner-1", types.ResourceVideoMinutes)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Used != 2.0 {
		t.Errorf("Used after restart: want 2.0, got %v", c.Used)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions and transcripts
// ─────────────────────────────────────────────────────────────────────────────

func TestSessions_LifecycleAndTranscript(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sessions := st.Sessions()

	sess, err := sessions.Insert(ctx, store.Session{
		OwnerID:  "owner-1",
		AvatarID: "avatar-1",
		Kind:     types.SessionVoice,
		Language: "en",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if sess.ID == "" {
		t.Error("Insert: expected generated id")
	}
	if sess.Status != types.SessionConnecting {
		t.Errorf("Status: want connecting, got %s", sess.Status)
	}

	if err := sessions.AppendTranscript(ctx, sess.ID, []types.TranscriptEntry{
		{Role: types.RoleUser, Text: "Hi."},
		{Role: types.RoleModel, Text: "Hello, how can I help?"},
	}); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	// Second batch continues the sequence.
	if err := sessions.AppendTranscript(ctx, sess.ID, []types.TranscriptEntry{
		{Role: types.RoleUser, Text: "Tell me a story."},
	}); err != nil {
		t.Fatalf("AppendTranscript 2: %v", err)
	}

	entries, err := sessions.Transcript(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Transcript: want 3 entries, got %d", len(entries))
	}
	if entries[0].Text != "Hi." || entries[2].Text != "Tell me a story." {
		t.Errorf("Transcript order: got %v", entries)
	}
	if entries[1].Role != types.RoleModel {
		t.Errorf("entry role: want model, got %s", entries[1].Role)
	}

	ended := time.Now()
	if err := sessions.Finish(ctx, sess.ID, types.SessionEnded, ended); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := sessions.Finish(ctx, "missing", types.SessionEnded, ended); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Finish missing: want ErrNotFound, got %v", err)
	}

	list, err := sessions.ListByOwner(ctx, "owner-1", 10, 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListByOwner: want 1, got %d", len(list))
	}
	if list[0].Status != types.SessionEnded {
		t.Errorf("listed status: want ended, got %s", list[0].Status)
	}
	if list[0].EndedAt == nil {
		t.Error("listed EndedAt: expected stamp")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Avatars and API keys (rows written by the external account surface)
// ─────────────────────────────────────────────────────────────────────────────

func TestAvatars_Get(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	pool := mustPool(t, ctx, testDSN(t))
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `
		INSERT INTO avatars (id, owner_id, name, image_url, voice_sample_url, persona, language, public)
		VALUES ('avatar-1', 'owner-1', 'Nova', 'https://cdn.example.com/nova.png',
		        'https://cdn.example.com/nova.wav', 'Cheerful guide.', 'en', TRUE)`); err != nil {
		t.Fatalf("fixture: %v", err)
	}

	av, err := st.Avatars().Get(ctx, "avatar-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if av.Name != "Nova" || !av.Public {
		t.Errorf("avatar: want (Nova, public), got (%q, %v)", av.Name, av.Public)
	}
	if av.VoiceSampleURL == "" {
		t.Error("VoiceSampleURL: expected value")
	}

	_, err = st.Avatars().Get(ctx, "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing: want ErrNotFound, got %v", err)
	}
}

func TestKeys_FindTouchRecord(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	keys := st.Keys()
	pool := mustPool(t, ctx, testDSN(t))
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `
		INSERT INTO api_keys (id, owner_id, secret_hash, salt, prefix, resources, active)
		VALUES ('key-1', 'owner-1', 'hash-1', 'salt-1', 'vsg_abc', '{audio-minutes}', TRUE),
		       ('key-2', 'owner-1', 'hash-2', 'salt-2', 'vsg_abc', '{}', FALSE),
		       ('key-3', 'owner-2', 'hash-3', 'salt-3', 'vsg_xyz', '{}', TRUE)`); err != nil {
		t.Fatalf("fixture: %v", err)
	}

	// Inactive keys are filtered out at the store level.
	found, err := keys.FindByPrefix(ctx, "vsg_abc")
	if err != nil {
		t.Fatalf("FindByPrefix: %v", err)
	}
	if len(found) != 1 || found[0].ID != "key-1" {
		t.Fatalf("FindByPrefix: want [key-1], got %v", keyIDs(found))
	}
	if len(found[0].Resources) != 1 || found[0].Resources[0] != "audio-minutes" {
		t.Errorf("Resources: want [audio-minutes], got %v", found[0].Resources)
	}

	if err := keys.Touch(ctx, "key-1", time.Now()); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	refetched, _ := keys.FindByPrefix(ctx, "vsg_abc")
	if len(refetched) != 1 || refetched[0].LastUsedAt == nil {
		t.Error("Touch: expected last_used_at stamp")
	}

	window := time.Now().Truncate(time.Hour)
	for range 3 {
		if err := keys.RecordUsage(ctx, "key-1", "generation", window); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}
	var calls int64
	if err := pool.QueryRow(ctx,
		`SELECT calls FROM api_usage WHERE key_id = $1 AND bucket = $2 AND window_start = $3`,
		"key-1", "generation", window).Scan(&calls); err != nil {
		t.Fatalf("ledger read: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: want 3, got %d", calls)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func mustInsertJob(t *testing.T, ctx context.Context, jobs *postgres.JobStoreImpl, ownerID string, kind types.JobKind) store.Job {
	t.Helper()
	job, err := jobs.Insert(ctx, store.Job{
		OwnerID:    ownerID,
		AvatarID:   "avatar-1",
		Kind:       kind,
		InputMode:  types.InputScript,
		ScriptText: "Testing one two three.",
		Quality:    types.QualityFast,
		Language:   "en",
	})
	if err != nil {
		t.Fatalf("mustInsertJob: %v", err)
	}
	return job
}

func jobIDs(jobs []store.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func keyIDs(keys []store.APIKey) []string {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
	}
	return ids
}
