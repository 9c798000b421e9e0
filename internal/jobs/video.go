package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/avatar"
	"github.com/visage-ai/visage/internal/config"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/internal/quota"
	"github.com/visage-ai/visage/internal/resilience"
	"github.com/visage-ai/visage/pkg/blob"
	"github.com/visage-ai/visage/pkg/provider/video"
	"github.com/visage-ai/visage/pkg/provider/voice"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// videoMinutesPerChar calibrates billed minutes for rendered video against
// script length.
const videoMinutesPerChar = 0.01

// VideoRunner executes video generation jobs: resolve the driving audio
// (synthesized from the script or caller-supplied), enqueue the render on the
// video service, and learn the terminal state by polling or by leaving the
// job to the worker callback.
type VideoRunner struct {
	jobs    store.JobStore
	avatars *avatar.Service
	synth   voice.Synthesizer
	renders video.JobClient
	blobs   blob.Store
	usage   *quota.Accountant

	mode config.CompletionMode

	// pollInterval, when set, overrides the tier's cadence.
	pollInterval time.Duration
	now          func() time.Time
}

// VideoOption is a functional option for configuring a [VideoRunner].
type VideoOption func(*VideoRunner)

// WithPollInterval overrides the per-tier polling cadence. Primarily used in
// tests.
func WithPollInterval(d time.Duration) VideoOption {
	return func(r *VideoRunner) { r.pollInterval = d }
}

// WithVideoClock overrides the time source. Primarily used in tests.
func WithVideoClock(now func() time.Time) VideoOption {
	return func(r *VideoRunner) { r.now = now }
}

// Compile-time interface assertion.
var _ Runner = (*VideoRunner)(nil)

// NewVideoRunner creates a VideoRunner. An invalid mode falls back to
// polling.
func NewVideoRunner(jobs store.JobStore, avatars *avatar.Service, synth voice.Synthesizer,
	renders video.JobClient, blobs blob.Store, usage *quota.Accountant,
	mode config.CompletionMode, opts ...VideoOption) *VideoRunner {
	if !mode.IsValid() {
		mode = config.CompletionPoll
	}
	r := &VideoRunner{
		jobs:    jobs,
		avatars: avatars,
		synth:   synth,
		renders: renders,
		blobs:   blobs,
		usage:   usage,
		mode:    mode,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run implements [Runner].
func (r *VideoRunner) Run(ctx context.Context, job store.Job) (err error) {
	needVoice := job.InputMode == types.InputScript
	av, avErr := r.avatars.RequireComplete(ctx, job.AvatarID, needVoice)
	if avErr != nil {
		return avErr
	}
	r.setProgress(ctx, job.ID, 10)

	audioURL := job.SourceAudioURL
	tempKey := ""

	// The temp synth blob outlives the runner only when the render worker
	// still needs it for the callback hand-off; every other path removes it.
	keepTemp := false
	defer func() {
		if tempKey == "" || keepTemp {
			return
		}
		cleanCtx := context.WithoutCancel(ctx)
		if delErr := r.blobs.Delete(cleanCtx, tempKey); delErr != nil {
			observe.Logger(cleanCtx).Warn("failed to delete temp audio",
				"job_id", job.ID, "key", tempKey, "error", delErr)
		}
	}()

	if needVoice {
		language := job.Language
		if language == "" {
			language = av.Language
		}
		wav, synthErr := r.synth.Synthesize(ctx, voice.SynthesisRequest{
			Text:       job.ScriptText,
			SpeakerWAV: av.VoiceSampleURL,
			Language:   language,
		})
		if synthErr != nil {
			return apperr.VoiceSynth(-1, synthErr)
		}
		if len(wav) == 0 {
			return apperr.VoiceSynth(-1, errors.New("empty synthesis response"))
		}

		tempKey = blob.TempAudioKey(job.OwnerID, job.ID, r.now())
		audioURL, err = r.blobs.Upload(ctx, tempKey, wav, "audio/wav")
		if err != nil {
			return apperr.Wrap(apperr.KindStorageUploadFailed, "upload temp audio", err)
		}
		if _, err := r.jobs.Update(ctx, job.ID, store.JobUpdate{SourceAudioURL: &audioURL}); err != nil {
			return apperr.Wrap(apperr.KindStoreError, "record temp audio location", err)
		}
		r.setProgress(ctx, job.ID, 50)
	} else if audioURL == "" {
		return apperr.Validation("audioUrl", "audio input requires a source audio URL")
	}

	taskID, err := r.renders.Enqueue(ctx, video.EnqueueRequest{
		ImageURL: av.ImageURL,
		AudioURL: audioURL,
		Quality:  string(job.Quality),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindVideoEnqueueFailed, "enqueue render", err)
	}
	if _, err := r.jobs.Update(ctx, job.ID, store.JobUpdate{UpstreamTaskID: &taskID}); err != nil {
		return apperr.Wrap(apperr.KindStoreError, "record upstream task id", err)
	}
	r.setProgress(ctx, job.ID, 70)

	if r.mode == config.CompletionCallback {
		// The worker delivers the artifact; the reaper bounds the wait.
		keepTemp = true
		return nil
	}

	return r.poll(ctx, job, taskID)
}

// errStillRendering marks a poll answer that is neither ready nor failed.
var errStillRendering = errors.New("render still in progress")

// poll drives the job to its terminal state through the status endpoint.
// Transport errors and still-rendering answers both consume an attempt; only
// the exhausted window becomes a persistent failure.
func (r *VideoRunner) poll(ctx context.Context, job store.Job, taskID string) error {
	interval := job.Quality.PollInterval()
	if r.pollInterval > 0 {
		interval = r.pollInterval
	}
	attempts := job.Quality.MaxPollAttempts()

	// Terminal answers from upstream stop the retry loop early; settled holds
	// the outcome so it is not mistaken for an exhausted window.
	var settled error
	err := resilience.Retry(ctx, attempts, interval, func(ctx context.Context) error {
		res, serr := r.renders.Status(ctx, taskID)
		if serr != nil {
			return serr
		}
		switch res.State {
		case video.StateFailed:
			settled = apperr.Upstream("video", true, errors.New(res.Detail))
			return resilience.Permanent(settled)
		case video.StateReady:
			if settled = r.finish(ctx, job, res.Video); settled != nil {
				return resilience.Permanent(settled)
			}
			return nil
		default:
			return errStillRendering
		}
	})
	switch {
	case err == nil:
		return nil
	case settled != nil:
		return settled
	case ctx.Err() != nil:
		return err
	}
	return apperr.Wrap(apperr.KindPollTimeout,
		fmt.Sprintf("render did not finish within %d polls", attempts), err)
}

// finish uploads the artifact and completes the row. When the callback beat
// the poller to the terminal state, the artifact and the usage commit are
// skipped so the job is billed exactly once.
func (r *VideoRunner) finish(ctx context.Context, job store.Job, artifact []byte) error {
	current, err := r.jobs.Get(ctx, job.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "reread job before completion", err)
	}
	if current.Status.IsTerminal() {
		return nil
	}

	key := blob.FinalVideoKey(job.ID, job.Quality, r.now())
	url, err := r.blobs.Upload(ctx, key, artifact, "video/mp4")
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUploadFailed, "upload video artifact", err)
	}

	r.usage.Commit(ctx, job.OwnerID, types.ResourceVideoMinutes, VideoMinutes(job.ScriptText))

	progress := 100
	_, err = r.jobs.Transition(ctx, job.ID, types.StatusCompleted, store.JobUpdate{
		ResultURL: &url,
		Progress:  &progress,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		observe.Logger(ctx).Warn("render completed after job reached a terminal state", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindStoreError, "complete video job", err)
	}
	return nil
}

func (r *VideoRunner) setProgress(ctx context.Context, jobID string, p int) {
	if _, err := r.jobs.Update(ctx, jobID, store.JobUpdate{Progress: &p}); err != nil {
		observe.Logger(ctx).Warn("failed to update job progress", "job_id", jobID, "progress", p, "error", err)
	}
}

// VideoMinutes converts script length into billed minutes with a half-minute
// floor. Pre-recorded input has no script and bills the floor. The API layer
// uses the same estimate for the quota pre-check so the gate and the bill
// agree.
func VideoMinutes(text string) float64 {
	minutes := float64(len(text)) * videoMinutesPerChar
	if minutes < 0.5 {
		return 0.5
	}
	return minutes
}
