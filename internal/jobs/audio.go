package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/avatar"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/internal/quota"
	"github.com/visage-ai/visage/pkg/audio"
	"github.com/visage-ai/visage/pkg/blob"
	"github.com/visage-ai/visage/pkg/provider/voice"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/textchunk"
	"github.com/visage-ai/visage/pkg/types"
)

// DefaultChunkDelay is the pause between per-chunk synthesis calls. The voice
// service degrades when hammered back to back; the pause is skipped after the
// last chunk.
const DefaultChunkDelay = 3 * time.Second

// speechWordsPerMinute calibrates billed minutes for synthesized speech.
const speechWordsPerMinute = 150

// AudioRunner executes audio generation jobs: chunk the script, synthesize
// each chunk, stitch the WAVs, upload the artifact, and commit usage.
type AudioRunner struct {
	jobs    store.JobStore
	avatars *avatar.Service
	synth   voice.Synthesizer
	blobs   blob.Store
	usage   *quota.Accountant

	tokenCap   int
	chunkDelay time.Duration
	now        func() time.Time
}

// AudioOption is a functional option for configuring an [AudioRunner].
type AudioOption func(*AudioRunner)

// WithChunkDelay overrides the inter-chunk pause. Zero disables it.
func WithChunkDelay(d time.Duration) AudioOption {
	return func(r *AudioRunner) { r.chunkDelay = d }
}

// WithTokenCap overrides the per-chunk token budget.
func WithTokenCap(n int) AudioOption {
	return func(r *AudioRunner) { r.tokenCap = n }
}

// WithAudioClock overrides the time source. Primarily used in tests.
func WithAudioClock(now func() time.Time) AudioOption {
	return func(r *AudioRunner) { r.now = now }
}

// Compile-time interface assertion.
var _ Runner = (*AudioRunner)(nil)

// NewAudioRunner creates an AudioRunner over the given dependencies.
func NewAudioRunner(jobs store.JobStore, avatars *avatar.Service, synth voice.Synthesizer,
	blobs blob.Store, usage *quota.Accountant, opts ...AudioOption) *AudioRunner {
	r := &AudioRunner{
		jobs:       jobs,
		avatars:    avatars,
		synth:      synth,
		blobs:      blobs,
		usage:      usage,
		tokenCap:   textchunk.DefaultTokenCap,
		chunkDelay: DefaultChunkDelay,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run implements [Runner].
func (r *AudioRunner) Run(ctx context.Context, job store.Job) error {
	av, err := r.avatars.Get(ctx, job.AvatarID)
	if err != nil {
		return err
	}
	if av.VoiceSampleURL == "" {
		return apperr.New(apperr.KindAvatarIncomplete, "avatar is missing its voice artifact")
	}
	r.setProgress(ctx, job.ID, 10)

	plan := textchunk.Plan(job.ScriptText, r.tokenCap)
	if len(plan) == 0 {
		return apperr.Validation("text", "script produced no synthesizable text")
	}
	r.setProgress(ctx, job.ID, 20)

	language := job.Language
	if language == "" {
		language = av.Language
	}

	chunks := make([][]byte, 0, len(plan))
	for i, chunk := range plan {
		data, err := r.synth.Synthesize(ctx, voice.SynthesisRequest{
			Text:       chunk.Text,
			SpeakerWAV: av.VoiceSampleURL,
			Language:   language,
		})
		if err != nil {
			return apperr.VoiceSynth(i, err)
		}
		if len(data) == 0 {
			return apperr.VoiceSynth(i, errors.New("empty synthesis response"))
		}
		chunks = append(chunks, data)

		// Linear 20→70 across the plan.
		r.setProgress(ctx, job.ID, 20+50*(i+1)/len(plan))

		if i < len(plan)-1 && r.chunkDelay > 0 {
			if err := sleep(ctx, r.chunkDelay); err != nil {
				return err
			}
		}
	}

	combined, err := audio.Concat(chunks)
	if err != nil {
		return apperr.Wrap(apperr.KindAssembleFailed, "assemble audio chunks", err)
	}
	r.setProgress(ctx, job.ID, 80)

	key := blob.FinalAudioKey(job.OwnerID, job.ID, r.now())
	url, err := r.blobs.Upload(ctx, key, combined, "audio/wav")
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUploadFailed, "upload audio artifact", err)
	}
	r.setProgress(ctx, job.ID, 90)

	r.usage.Commit(ctx, job.OwnerID, types.ResourceAudioMinutes, SpeechMinutes(job.ScriptText))
	r.setProgress(ctx, job.ID, 95)

	progress := 100
	_, err = r.jobs.Transition(ctx, job.ID, types.StatusCompleted, store.JobUpdate{
		ResultURL: &url,
		Progress:  &progress,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "complete audio job", err)
	}
	return nil
}

// setProgress advances the row's progress marker. The marker is advisory; a
// failed write must not kill the pipeline that earns it.
func (r *AudioRunner) setProgress(ctx context.Context, jobID string, p int) {
	if _, err := r.jobs.Update(ctx, jobID, store.JobUpdate{Progress: &p}); err != nil {
		observe.Logger(ctx).Warn("failed to update job progress", "job_id", jobID, "progress", p, "error", err)
	}
}

// SpeechMinutes converts a script into billed minutes at the calibrated
// speaking rate, with a half-minute floor. The API layer uses the same
// estimate for the quota pre-check so the gate and the bill agree.
func SpeechMinutes(text string) float64 {
	minutes := float64(len(strings.Fields(text))) / speechWordsPerMinute
	if minutes < 0.5 {
		return 0.5
	}
	return minutes
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
