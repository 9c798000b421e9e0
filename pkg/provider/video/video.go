// Package video defines the typed surface of the video-synthesis service.
//
// The service has two halves. The REST half runs batch lip-sync jobs: a job is
// enqueued with an avatar image and an audio clip, then polled until the
// artifact is ready ([JobClient]). The WebSocket half is a live link used by
// session mediation: audio chunks go in as binary frames, lip-synced video
// frames come back ([Stream]). Live links must be provisioned over REST first
// ([SessionClient]).
//
// All calls authenticate with a static bearer key.
package video

import "context"

// EnqueueRequest is one batch lip-sync job submission.
type EnqueueRequest struct {
	// ImageURL is the public URL of the avatar portrait.
	ImageURL string
	// AudioURL is the public URL of the driving audio clip.
	AudioURL string
	// Quality selects the render preset, "fast" or "high".
	Quality string
}

// JobState reports where an enqueued job currently stands.
type JobState string

const (
	// StateProcessing covers every transient answer: an explicit
	// "processing" status, a not-yet-known task id, or an artifact that is
	// still being written out.
	StateProcessing JobState = "processing"

	// StateReady means the artifact is complete and carried in the result.
	StateReady JobState = "ready"

	// StateFailed means the service gave up on the job.
	StateFailed JobState = "failed"
)

// StatusResult is one poll answer.
type StatusResult struct {
	State JobState
	// Video holds the finished mp4 when State is StateReady.
	Video []byte
	// Detail carries the service's failure message when State is StateFailed.
	Detail string
}

// JobClient runs batch lip-sync jobs over REST.
type JobClient interface {
	// Enqueue submits a job and returns the service-side task id.
	Enqueue(ctx context.Context, req EnqueueRequest) (string, error)

	// Status polls one job. Transient conditions (unknown task, artifact
	// mid-write) come back as StateProcessing, not as errors.
	Status(ctx context.Context, taskID string) (*StatusResult, error)
}

// SessionClient provisions and tears down live lip-sync sessions over REST.
type SessionClient interface {
	// InitStream announces a session and its avatar image before the
	// WebSocket is opened.
	InitStream(ctx context.Context, sessionID, imageURL string) error

	// EndStream releases the service-side session state. Idempotent on the
	// service side; safe to call after a dead link.
	EndStream(ctx context.Context, sessionID string) error
}

// Stream is a live lip-sync link. Audio goes in, video frames come out.
// Implementations close Frames when the link dies; Err then reports why.
type Stream interface {
	// Send forwards one binary audio chunk to the service.
	Send(audio []byte) error

	// Interrupt sends a stop_speaking control frame so the service drops
	// the frames of the in-flight utterance.
	Interrupt() error

	// Frames returns the channel of incoming video frames.
	Frames() <-chan []byte

	// Err returns the first error that terminated the stream, if any.
	Err() error

	// Close tears the link down. Idempotent.
	Close() error
}

// StreamDialer opens live links to the video service.
type StreamDialer interface {
	// DialStream connects the WebSocket for a session previously announced
	// via InitStream.
	DialStream(ctx context.Context, sessionID string) (Stream, error)
}
