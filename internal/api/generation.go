package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/jobs"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// maxAudioScriptChars bounds the text of one audio generation request.
const maxAudioScriptChars = 1000

// audioGenerateRequest is the body of POST /api/audio-generation/generate.
// voiceId is the avatar whose voice sample is cloned.
type audioGenerateRequest struct {
	Text     string `json:"text"`
	VoiceID  string `json:"voiceId"`
	Language string `json:"language"`
}

// videoGenerateRequest is the body of POST /api/video-generation/generate.
type videoGenerateRequest struct {
	Text      string `json:"text"`
	AvatarID  string `json:"avatarId"`
	Quality   string `json:"quality"`
	AudioURL  string `json:"audioUrl"`
	InputType string `json:"inputType"`
}

// submitResponse answers an accepted generation request.
type submitResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// statusResponse reports one job. Exactly one of AudioURL and VideoURL is
// populated, matching the pipeline the task belongs to.
type statusResponse struct {
	TaskID       string `json:"taskId"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	AudioURL     string `json:"audio_url,omitempty"`
	VideoURL     string `json:"video_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleAudioGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := principalFrom(ctx)
	if !ok {
		writeError(ctx, w, apperr.New(apperr.KindUnauthorized, "missing credentials"))
		return
	}

	var req audioGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, apperr.Validation("body", "malformed JSON"))
		return
	}

	req.Text = strings.TrimSpace(req.Text)
	switch {
	case req.Text == "":
		writeError(ctx, w, apperr.Validation("text", "text must not be empty"))
		return
	case len(req.Text) > maxAudioScriptChars:
		writeError(ctx, w, apperr.Validation("text", "text must be at most 1000 characters"))
		return
	case req.VoiceID == "":
		writeError(ctx, w, apperr.Validation("voiceId", "voiceId must not be empty"))
		return
	}

	av, err := s.avatars.Get(ctx, req.VoiceID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if av.VoiceSampleURL == "" {
		writeError(ctx, w, apperr.New(apperr.KindAvatarIncomplete, "avatar is missing its voice artifact"))
		return
	}

	if err := s.usage.Require(ctx, p.UserID, types.ResourceAudioMinutes, jobs.SpeechMinutes(req.Text)); err != nil {
		writeError(ctx, w, err)
		return
	}

	s.submitJob(w, r, store.Job{
		OwnerID:    p.UserID,
		AvatarID:   req.VoiceID,
		Kind:       types.JobAudio,
		InputMode:  types.InputScript,
		ScriptText: req.Text,
		Quality:    types.QualityFast,
		Language:   req.Language,
	})
}

func (s *Server) handleVideoGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := principalFrom(ctx)
	if !ok {
		writeError(ctx, w, apperr.New(apperr.KindUnauthorized, "missing credentials"))
		return
	}

	var req videoGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, apperr.Validation("body", "malformed JSON"))
		return
	}

	if req.AvatarID == "" {
		writeError(ctx, w, apperr.Validation("avatarId", "avatarId must not be empty"))
		return
	}
	quality, ok := types.NormalizeQuality(req.Quality)
	if !ok {
		writeError(ctx, w, apperr.Validation("quality", "quality must be fast, standard or high"))
		return
	}

	mode := types.InputMode(req.InputType)
	if req.InputType == "" {
		mode = types.InputScript
	}
	if !mode.IsValid() {
		writeError(ctx, w, apperr.Validation("inputType", "inputType must be script or audio"))
		return
	}

	req.Text = strings.TrimSpace(req.Text)
	switch mode {
	case types.InputScript:
		if req.Text == "" {
			writeError(ctx, w, apperr.Validation("text", "text must not be empty for script input"))
			return
		}
	case types.InputAudio:
		if req.AudioURL == "" {
			writeError(ctx, w, apperr.Validation("audioUrl", "audioUrl must not be empty for audio input"))
			return
		}
	}

	// Pre-recorded input only animates the image; script input also clones
	// the voice.
	if _, err := s.avatars.RequireComplete(ctx, req.AvatarID, mode == types.InputScript); err != nil {
		writeError(ctx, w, err)
		return
	}

	if err := s.usage.Require(ctx, p.UserID, types.ResourceVideoMinutes, jobs.VideoMinutes(req.Text)); err != nil {
		writeError(ctx, w, err)
		return
	}

	s.submitJob(w, r, store.Job{
		OwnerID:        p.UserID,
		AvatarID:       req.AvatarID,
		Kind:           types.JobVideo,
		InputMode:      mode,
		ScriptText:     req.Text,
		SourceAudioURL: req.AudioURL,
		Quality:        quality,
	})
}

// submitJob persists the row and hands it to the scheduler. A full queue
// fails the row and answers 503 so the client can retry.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, job store.Job) {
	ctx := r.Context()

	row, err := s.jobs.Insert(ctx, job)
	if err != nil {
		writeError(ctx, w, apperr.Wrap(apperr.KindStoreError, "persist job", err))
		return
	}
	s.metrics.RecordJobSubmitted(ctx, string(row.Kind))

	if err := s.scheduler.Submit(ctx, row.ID); err != nil {
		msg := "could not queue job: " + err.Error()
		if _, terr := s.jobs.Transition(ctx, row.ID, types.StatusFailed, store.JobUpdate{
			ErrorMessage: &msg,
		}); terr != nil {
			observe.Logger(ctx).Error("failed to fail unqueued job", "job_id", row.ID, "error", terr)
		}
		if errors.Is(err, jobs.ErrQueueFull) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "server is busy, try again later"})
			return
		}
		writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{TaskID: row.ID, Status: string(types.StatusQueued)})
}

func (s *Server) handleAudioStatus(w http.ResponseWriter, r *http.Request) {
	s.handleStatus(w, r, types.JobAudio)
}

func (s *Server) handleVideoStatus(w http.ResponseWriter, r *http.Request) {
	s.handleStatus(w, r, types.JobVideo)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, kind types.JobKind) {
	ctx := r.Context()
	p, ok := principalFrom(ctx)
	if !ok {
		writeError(ctx, w, apperr.New(apperr.KindUnauthorized, "missing credentials"))
		return
	}

	job, err := s.ownedJob(r, p.UserID, chi.URLParam(r, "taskId"), kind)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	resp := statusResponse{
		TaskID:       job.ID,
		Status:       string(job.Status),
		Progress:     displayProgress(job),
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if kind == types.JobAudio {
		resp.AudioURL = job.ResultURL
	} else {
		resp.VideoURL = job.ResultURL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudioDelete(w http.ResponseWriter, r *http.Request) {
	s.handleDelete(w, r, types.JobAudio)
}

func (s *Server) handleVideoDelete(w http.ResponseWriter, r *http.Request) {
	s.handleDelete(w, r, types.JobVideo)
}

// handleDelete removes the artifact blob and then the row. A failing blob
// delete is logged but never blocks the row delete; S3 deletes are
// idempotent, so re-running the blob half is harmless.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, kind types.JobKind) {
	ctx := r.Context()
	p, ok := principalFrom(ctx)
	if !ok {
		writeError(ctx, w, apperr.New(apperr.KindUnauthorized, "missing credentials"))
		return
	}

	id := chi.URLParam(r, "id")
	job, err := s.ownedJob(r, p.UserID, id, kind)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	if key, ok := s.keyFromURL(job.ResultURL); ok {
		if err := s.blobs.Delete(ctx, key); err != nil {
			observe.Logger(ctx).Warn("failed to delete artifact blob",
				"job_id", job.ID, "key", key, "error", err)
		}
	}

	if err := s.jobs.Delete(ctx, job.ID, p.UserID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(ctx, w, apperr.Wrap(apperr.KindStoreError, "delete job", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": job.ID, "status": "deleted"})
}

// ownedJob loads the job and hides rows of other owners and other pipelines
// behind not-found, so ids cannot be probed across accounts.
func (s *Server) ownedJob(r *http.Request, ownerID, id string, kind types.JobKind) (store.Job, error) {
	if id == "" {
		return store.Job{}, apperr.Validation("taskId", "task id must not be empty")
	}
	job, err := s.jobs.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Job{}, store.ErrNotFound
	}
	if err != nil {
		return store.Job{}, apperr.Wrap(apperr.KindStoreError, "read job", err)
	}
	if job.OwnerID != ownerID || job.Kind != kind {
		return store.Job{}, store.ErrNotFound
	}
	return job, nil
}

// displayProgress maps a row onto the progress the client sees: terminal
// states pin to 100/0, live states fall back to a stage default when the row
// carries no finer number.
func displayProgress(job store.Job) int {
	switch {
	case job.Status == types.StatusCompleted:
		return 100
	case job.Status.IsTerminal():
		return 0
	case job.Progress > 0:
		return job.Progress
	case job.Status == types.StatusProcessing:
		return 50
	default:
		return 10
	}
}

// keyFromURL reverses the store's public URL mapping back to an object key.
func (s *Server) keyFromURL(url string) (string, bool) {
	if url == "" {
		return "", false
	}
	base := s.blobs.URL("")
	if base == "" {
		// The store serves bare keys as URLs.
		return url, true
	}
	if !strings.HasPrefix(url, base) {
		return "", false
	}
	key := strings.TrimPrefix(url, base)
	return key, key != ""
}
