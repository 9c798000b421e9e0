// Package mock provides test doubles for the voice service interfaces.
//
// Synthesizer returns canned WAV bytes and records every request. Stream is
// a scriptable live link: tests push events with Emit and assert on the
// recorded Speak/StopSpeaking calls.
//
// Example:
//
//	syn := &mock.Synthesizer{Audio: wavFixture}
//	data, _ := syn.Synthesize(ctx, voice.SynthesisRequest{Text: "Hi."})
//
//	st := mock.NewStream()
//	st.Emit(voice.Event{Type: voice.EventReady})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/visage-ai/visage/pkg/provider/voice"
)

// ── Synthesizer ─────────────────────────────────────────────────────────────────

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// SpeakerWAV is the clone-reference URL passed to Synthesize.
	SpeakerWAV string
	// Language is the language hint passed to Synthesize.
	Language string
}

// Synthesizer is a mock implementation of voice.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is returned by every call unless Responses is set.
	Audio []byte

	// Responses, when non-empty, is consumed per call in order; calls past
	// the end repeat the last element.
	Responses [][]byte

	// Err, if non-nil, is returned instead of audio.
	Err error

	// ErrAtCall, when > 0, restricts Err to the Nth call (1-based) so tests
	// can fail a specific chunk mid-pipeline.
	ErrAtCall int

	// --- Call records ---

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns the configured audio or error.
func (m *Synthesizer) Synthesize(ctx context.Context, req voice.SynthesisRequest) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, SynthesizeCall{
		Text:       req.Text,
		SpeakerWAV: req.SpeakerWAV,
		Language:   req.Language,
	})
	n := len(m.Calls)
	if m.Err != nil && (m.ErrAtCall == 0 || m.ErrAtCall == n) {
		return nil, m.Err
	}
	if len(m.Responses) > 0 {
		i := min(n-1, len(m.Responses)-1)
		return slices.Clone(m.Responses[i]), nil
	}
	return slices.Clone(m.Audio), nil
}

// Reset clears all recorded calls. Thread-safe.
func (m *Synthesizer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// ── Stream ──────────────────────────────────────────────────────────────────────

// Stream is a scriptable implementation of voice.Stream.
type Stream struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SpeakErr, if non-nil, is returned by Speak.
	SpeakErr error

	// StopErr, if non-nil, is returned by StopSpeaking.
	StopErr error

	// ErrVal is returned by Err.
	ErrVal error

	// --- Call records ---

	// SpeakCalls records the text of every Speak call in order.
	SpeakCalls []string

	// StopCalls counts StopSpeaking invocations.
	StopCalls int

	// Closed reports whether Close was called.
	Closed bool

	events    chan voice.Event
	closeOnce sync.Once
}

// NewStream returns a Stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{events: make(chan voice.Event, 64)}
}

// Emit delivers an event to the stream's consumer. Emit after Close panics,
// mirroring a send on the real closed channel.
func (s *Stream) Emit(e voice.Event) { s.events <- e }

// Events implements voice.Stream.
func (s *Stream) Events() <-chan voice.Event { return s.events }

// Speak records the call and returns SpeakErr.
func (s *Stream) Speak(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = append(s.SpeakCalls, text)
	return s.SpeakErr
}

// StopSpeaking records the call and returns StopErr.
func (s *Stream) StopSpeaking() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	return s.StopErr
}

// Err returns ErrVal.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close marks the stream closed and closes the event channel. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.Closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// ── Dialer ──────────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of voice.StreamDialer.
type Dialer struct {
	mu sync.Mutex

	// Stream is returned by DialStream. Tests usually share it to script
	// events and inspect calls.
	Stream *Stream

	// DialErr, if non-nil, is returned instead of a stream.
	DialErr error

	// DialCalls records every init message passed to DialStream.
	DialCalls []voice.StreamInit
}

// DialStream records the call and returns the configured stream or error.
func (d *Dialer) DialStream(ctx context.Context, init voice.StreamInit) (voice.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, init)
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
	_ voice.Synthesizer  = (*Synthesizer)(nil)
	_ voice.Stream       = (*Stream)(nil)
	_ voice.StreamDialer = (*Dialer)(nil)
)
