package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/jobs"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/pkg/blob"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// maxCallbackFileBytes bounds the artifact part of a worker callback.
const maxCallbackFileBytes = 300 << 20

// handleWorkerCallback lets the render worker push a video job's state
// without the control plane polling. The worker authenticates with the
// shared callback token; job rows are located by the upstream task id the
// worker was handed at enqueue time.
func (s *Server) handleWorkerCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.workerAuthorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackFileBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "artifact exceeds the size limit"})
			return
		}
		writeError(ctx, w, apperr.Validation("body", "malformed multipart body"))
		return
	}

	taskID := r.FormValue("task_id")
	status := r.FormValue("status")
	if taskID == "" {
		writeError(ctx, w, apperr.Validation("task_id", "task_id must not be empty"))
		return
	}

	job, err := s.jobs.GetByUpstreamTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(ctx, w, store.ErrNotFound)
		return
	}
	if err != nil {
		writeError(ctx, w, apperr.Wrap(apperr.KindStoreError, "locate job by task id", err))
		return
	}

	// Late or duplicated deliveries after the job settled are acknowledged
	// without touching the row.
	if job.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	switch status {
	case string(types.StatusProcessing):
		progress := 70
		if _, err := s.jobs.Update(ctx, job.ID, store.JobUpdate{Progress: &progress}); err != nil {
			writeError(ctx, w, apperr.Wrap(apperr.KindStoreError, "update job progress", err))
			return
		}
	case string(types.StatusFailed):
		msg := r.FormValue("error")
		if msg == "" {
			msg = "render worker reported failure"
		}
		if _, err := s.jobs.Transition(ctx, job.ID, types.StatusFailed, store.JobUpdate{
			ErrorMessage: &msg,
		}); err != nil {
			writeError(ctx, w, apperr.Wrap(apperr.KindStoreError, "fail job", err))
			return
		}
		s.recordCallbackTerminal(ctx, job, "worker_reported")
	case string(types.StatusCompleted):
		if err := s.completeFromCallback(w, r, job); err != nil {
			return
		}
	default:
		writeError(ctx, w, apperr.Validation("status", "status must be processing, completed or failed"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// completeFromCallback stores the delivered artifact and settles the job.
// A non-nil return means the response was already written.
func (s *Server) completeFromCallback(w http.ResponseWriter, r *http.Request, job store.Job) error {
	ctx := r.Context()

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(ctx, w, apperr.Validation("file", "completed callbacks must carry the artifact file"))
		return err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(ctx, w, apperr.Validation("file", "could not read the artifact file"))
		return err
	}

	key := blob.CallbackVideoKey(job.ID, s.now())
	url, err := s.blobs.Upload(ctx, key, data, "video/mp4")
	if err != nil {
		msg := "artifact upload failed: " + err.Error()
		if _, terr := s.jobs.Transition(ctx, job.ID, types.StatusFailed, store.JobUpdate{
			ErrorMessage: &msg,
		}); terr != nil {
			observe.Logger(ctx).Error("failed to fail job after upload error", "job_id", job.ID, "error", terr)
		}
		s.recordCallbackTerminal(ctx, job, "storage_upload_failed")
		wrapped := apperr.Wrap(apperr.KindStorageUploadFailed, "upload callback artifact", err)
		writeError(ctx, w, wrapped)
		return wrapped
	}

	// The synthesized driving audio parked for the render worker is no
	// longer needed once the artifact arrived.
	s.deleteTempAudio(ctx, job)

	progress := 100
	_, err = s.jobs.Transition(ctx, job.ID, types.StatusCompleted, store.JobUpdate{
		ResultURL: &url,
		Progress:  &progress,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		// The polling path settled the row first; its artifact stands.
		observe.Logger(ctx).Warn("callback lost the completion race", "job_id", job.ID)
		return nil
	}
	if err != nil {
		wrapped := apperr.Wrap(apperr.KindStoreError, "complete job", err)
		writeError(ctx, w, wrapped)
		return wrapped
	}

	s.usage.Commit(ctx, job.OwnerID, types.ResourceVideoMinutes, jobs.VideoMinutes(job.ScriptText))
	s.recordCallbackTerminal(ctx, job, "")
	return nil
}

// deleteTempAudio removes the job's temp synth audio, if any.
func (s *Server) deleteTempAudio(ctx context.Context, job store.Job) {
	key, ok := s.keyFromURL(job.SourceAudioURL)
	if !ok || !strings.HasPrefix(key, "temp_audio/") {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		observe.Logger(ctx).Warn("failed to delete temp audio", "job_id", job.ID, "key", key, "error", err)
	}
}

// recordCallbackTerminal records job metrics for rows settled by the
// callback path instead of a runner.
func (s *Server) recordCallbackTerminal(ctx context.Context, job store.Job, failReason string) {
	started := job.CreatedAt
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	s.metrics.RecordJobTerminal(ctx, string(job.Kind), s.now().Sub(started).Seconds(), failReason)
}

// workerAuthorized checks the callback token, accepted either as a bearer or
// in the x-worker-token header. Comparison is constant-time.
func (s *Server) workerAuthorized(r *http.Request) bool {
	if s.workerToken == "" {
		return false
	}
	presented := bearerToken(r)
	if presented == "" {
		presented = r.Header.Get("x-worker-token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.workerToken)) == 1
}
