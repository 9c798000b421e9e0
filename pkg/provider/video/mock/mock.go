// Package mock provides test doubles for the video service interfaces.
//
// Jobs scripts batch enqueue/poll answers and records every call. Stream is a
// scriptable live link: tests push video frames with Emit and assert on the
// recorded Send calls.
//
// Example:
//
//	jobs := &mock.Jobs{TaskID: "task-1", Results: []video.StatusResult{
//		{State: video.StateProcessing},
//		{State: video.StateReady, Video: mp4Fixture},
//	}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/visage-ai/visage/pkg/provider/video"
)

// ── Jobs ────────────────────────────────────────────────────────────────────────

// Jobs is a mock implementation of video.JobClient.
type Jobs struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// TaskID is returned by Enqueue.
	TaskID string

	// EnqueueErr, if non-nil, is returned by Enqueue.
	EnqueueErr error

	// Results, when non-empty, is consumed per Status call in order; calls
	// past the end repeat the last element.
	Results []video.StatusResult

	// StatusErr, if non-nil, is returned by Status.
	StatusErr error

	// --- Call records ---

	// EnqueueCalls records every request passed to Enqueue.
	EnqueueCalls []video.EnqueueRequest

	// StatusCalls records the task id of every Status call in order.
	StatusCalls []string
}

// Enqueue records the call and returns the configured task id or error.
func (m *Jobs) Enqueue(ctx context.Context, req video.EnqueueRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnqueueCalls = append(m.EnqueueCalls, req)
	if m.EnqueueErr != nil {
		return "", m.EnqueueErr
	}
	return m.TaskID, nil
}

// Status records the call and returns the next scripted result.
func (m *Jobs) Status(ctx context.Context, taskID string) (*video.StatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls = append(m.StatusCalls, taskID)
	if m.StatusErr != nil {
		return nil, m.StatusErr
	}
	if len(m.Results) == 0 {
		return &video.StatusResult{State: video.StateProcessing}, nil
	}
	i := min(len(m.StatusCalls)-1, len(m.Results)-1)
	r := m.Results[i]
	r.Video = slices.Clone(r.Video)
	return &r, nil
}

// ── Sessions ────────────────────────────────────────────────────────────────────

// InitCall records a single invocation of InitStream.
type InitCall struct {
	SessionID string
	ImageURL  string
}

// Sessions is a mock implementation of video.SessionClient.
type Sessions struct {
	mu sync.Mutex

	// InitErr, if non-nil, is returned by InitStream.
	InitErr error

	// EndErr, if non-nil, is returned by EndStream.
	EndErr error

	// InitCalls records every InitStream call in order.
	InitCalls []InitCall

	// EndCalls records the session id of every EndStream call in order.
	EndCalls []string
}

// InitStream records the call and returns InitErr.
func (m *Sessions) InitStream(ctx context.Context, sessionID, imageURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitCalls = append(m.InitCalls, InitCall{SessionID: sessionID, ImageURL: imageURL})
	return m.InitErr
}

// EndStream records the call and returns EndErr.
func (m *Sessions) EndStream(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndCalls = append(m.EndCalls, sessionID)
	return m.EndErr
}

// ── Stream ──────────────────────────────────────────────────────────────────────

// Stream is a scriptable implementation of video.Stream.
type Stream struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// InterruptErr, if non-nil, is returned by Interrupt.
	InterruptErr error

	// ErrVal is returned by Err.
	ErrVal error

	// SendCalls records every audio chunk passed to Send.
	SendCalls [][]byte

	// InterruptCalls counts Interrupt invocations.
	InterruptCalls int

	// Closed reports whether Close was called.
	Closed bool

	frames    chan []byte
	closeOnce sync.Once
}

// NewStream returns a Stream with a buffered frame channel.
func NewStream() *Stream {
	return &Stream{frames: make(chan []byte, 64)}
}

// Emit delivers a video frame to the stream's consumer. Emit after Close
// panics, mirroring a send on the real closed channel.
func (s *Stream) Emit(frame []byte) { s.frames <- frame }

// Send records the audio chunk and returns SendErr.
func (s *Stream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = append(s.SendCalls, slices.Clone(audio))
	return s.SendErr
}

// Interrupt records the call and returns InterruptErr.
func (s *Stream) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCalls++
	return s.InterruptErr
}

// Frames implements video.Stream.
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Err returns ErrVal.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close marks the stream closed and closes the frame channel. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.Closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.frames) })
	return nil
}

// ── Dialer ──────────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of video.StreamDialer.
type Dialer struct {
	mu sync.Mutex

	// Stream is returned by DialStream. Tests usually share it to script
	// frames and inspect calls.
	Stream *Stream

	// DialErr, if non-nil, is returned instead of a stream.
	DialErr error

	// DialCalls records the session id of every DialStream call.
	DialCalls []string
}

// DialStream records the call and returns the configured stream or error.
func (d *Dialer) DialStream(ctx context.Context, sessionID string) (video.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, sessionID)
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Stream == nil {
		d.Stream = NewStream()
	}
	return d.Stream, nil
}

// Compile-time interface assertions.
var (
	_ video.JobClient     = (*Jobs)(nil)
	_ video.SessionClient = (*Sessions)(nil)
	_ video.Stream        = (*Stream)(nil)
	_ video.StreamDialer  = (*Dialer)(nil)
)
