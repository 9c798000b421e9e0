package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// postCallback issues a multipart worker callback. A nil file omits the
// artifact part; header names the auth header to use.
func (e *apiEnv) postCallback(t *testing.T, header, token string, fields map[string]string, file []byte) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "render.mp4")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := fw.Write(file); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/worker/callback", &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if header != "" {
		req.Header.Set(header, token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST /worker/callback: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("non-JSON callback body %q", raw)
		}
	}
	return resp.StatusCode, out
}

func (e *apiEnv) seedRenderJob(t *testing.T, taskID string) store.Job {
	t.Helper()
	return e.seedJob(t, store.Job{
		OwnerID:        testUserID,
		AvatarID:       "avatar-1",
		Kind:           types.JobVideo,
		InputMode:      types.InputScript,
		ScriptText:     "Hello world",
		Quality:        types.QualityFast,
		Status:         types.StatusProcessing,
		UpstreamTaskID: taskID,
	})
}

func TestCallback_RejectsBadToken(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	row := env.seedRenderJob(t, "task-1")

	if status, _ := env.postCallback(t, "", "", map[string]string{"task_id": "task-1", "status": "processing"}, nil); status != http.StatusUnauthorized {
		t.Errorf("no token: status = %d; want 401", status)
	}
	if status, _ := env.postCallback(t, "Authorization", "Bearer wrong", map[string]string{"task_id": "task-1", "status": "processing"}, nil); status != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d; want 401", status)
	}

	got, _ := env.st.Get(context.Background(), row.ID)
	if got.Progress != 0 {
		t.Errorf("row touched by unauthorized callback: %+v", got)
	}
}

func TestCallback_AcceptsBothTokenHeaders(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	env.seedRenderJob(t, "task-1")

	if status, _ := env.postCallback(t, "Authorization", "Bearer "+workerSecret,
		map[string]string{"task_id": "task-1", "status": "processing"}, nil); status != http.StatusOK {
		t.Errorf("bearer form: status = %d; want 200", status)
	}
	if status, _ := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "processing"}, nil); status != http.StatusOK {
		t.Errorf("header form: status = %d; want 200", status)
	}
}

func TestCallback_UnknownTask(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	status, _ := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "no-such-task", "status": "processing"}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", status)
	}
}

func TestCallback_MissingTaskID(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	status, _ := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"status": "processing"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", status)
	}
}

func TestCallback_UnknownStatus(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	env.seedRenderJob(t, "task-1")
	status, _ := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "daydreaming"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", status)
	}
}

func TestCallback_ProcessingAdvancesProgress(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	row := env.seedRenderJob(t, "task-1")

	status, body := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "processing"}, nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	got, _ := env.st.Get(context.Background(), row.ID)
	if got.Status != types.StatusProcessing || got.Progress != 70 {
		t.Errorf("row = %+v; want processing at 70", got)
	}
}

func TestCallback_FailureSettlesRow(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	row := env.seedRenderJob(t, "task-1")

	status, _ := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "failed", "error": "render node ran out of VRAM"}, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d; want 200", status)
	}
	got, _ := env.st.Get(context.Background(), row.ID)
	if got.Status != types.StatusFailed || got.ErrorMessage != "render node ran out of VRAM" {
		t.Errorf("row = %+v; want failed with the worker's message", got)
	}
}

func TestCallback_FailureDefaultsMessage(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	row := env.seedRenderJob(t, "task-1")

	env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "failed"}, nil)
	got, _ := env.st.Get(context.Background(), row.ID)
	if got.ErrorMessage != "render worker reported failure" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestCallback_CompletedStoresArtifactAndSettles(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	const tempKey = "temp_audio/owner-1/driving.wav"
	env.blobs.Objects = map[string][]byte{tempKey: []byte("riff")}
	row := env.seedJob(t, store.Job{
		OwnerID:        testUserID,
		AvatarID:       "avatar-1",
		Kind:           types.JobVideo,
		InputMode:      types.InputScript,
		ScriptText:     "Hello world",
		Quality:        types.QualityFast,
		Status:         types.StatusProcessing,
		UpstreamTaskID: "task-1",
		SourceAudioURL: "mock://avatar-media/" + tempKey,
	})

	artifact := []byte("ftypisommp4 payload")
	status, body := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "completed"}, artifact)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("status = %d, body = %v", status, body)
	}

	got, _ := env.st.Get(context.Background(), row.ID)
	if got.Status != types.StatusCompleted || got.Progress != 100 {
		t.Fatalf("row = %+v; want completed at 100", got)
	}
	if !strings.HasPrefix(got.ResultURL, "mock://avatar-media/generated_videos/"+row.ID+"/") {
		t.Errorf("result url = %q", got.ResultURL)
	}

	if len(env.blobs.UploadCalls) != 1 {
		t.Fatalf("uploads = %v; want one", env.blobs.UploadCalls)
	}
	up := env.blobs.UploadCalls[0]
	if !strings.HasPrefix(up.Key, "generated_videos/"+row.ID+"/") || up.ContentType != "video/mp4" || up.Size != len(artifact) {
		t.Errorf("upload = %+v", up)
	}

	if len(env.blobs.DeleteCalls) != 1 || env.blobs.DeleteCalls[0] != tempKey {
		t.Errorf("deletes = %v; want the parked driving audio removed", env.blobs.DeleteCalls)
	}

	if len(env.st.IncrementCalls) != 1 {
		t.Fatalf("increments = %v; want one video-minutes commit", env.st.IncrementCalls)
	}
	inc := env.st.IncrementCalls[0]
	if inc.OwnerID != testUserID || inc.Resource != types.ResourceVideoMinutes || inc.Amount != 0.5 {
		t.Errorf("increment = %+v", inc)
	}
}

func TestCallback_CompletedIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	env.seedRenderJob(t, "task-1")

	artifact := []byte("mp4 payload")
	if status, _ := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "completed"}, artifact); status != http.StatusOK {
		t.Fatalf("first delivery failed")
	}
	status, body := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "completed"}, artifact)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("second delivery: status = %d, body = %v", status, body)
	}

	if len(env.blobs.UploadCalls) != 1 {
		t.Errorf("uploads = %d; want the duplicate ignored", len(env.blobs.UploadCalls))
	}
	if len(env.st.IncrementCalls) != 1 {
		t.Errorf("increments = %d; want a single commit", len(env.st.IncrementCalls))
	}
}

func TestCallback_CompletedWithoutFile(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	row := env.seedRenderJob(t, "task-1")

	status, _ := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "completed"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", status)
	}
	got, _ := env.st.Get(context.Background(), row.ID)
	if got.Status != types.StatusProcessing {
		t.Errorf("row = %+v; want still processing", got)
	}
}

func TestCallback_UploadFailureFailsJob(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	env.blobs.UploadErr = io.ErrUnexpectedEOF
	row := env.seedRenderJob(t, "task-1")

	status, _ := env.postCallback(t, "x-worker-token", workerSecret,
		map[string]string{"task_id": "task-1", "status": "completed"}, []byte("mp4"))
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", status)
	}
	got, _ := env.st.Get(context.Background(), row.ID)
	if got.Status != types.StatusFailed || !strings.Contains(got.ErrorMessage, "artifact upload failed") {
		t.Errorf("row = %+v; want failed with an upload message", got)
	}
	if len(env.st.IncrementCalls) != 0 {
		t.Errorf("increments = %v; want no commit for a failed delivery", env.st.IncrementCalls)
	}
}
