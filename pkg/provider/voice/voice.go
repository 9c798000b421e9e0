// Package voice defines the typed surface of the voice-synthesis service.
//
// The service has two halves. The REST half turns text into a WAV clip in one
// call and is used by the generation pipelines ([Synthesizer]). The WebSocket
// half is a live conversational link used by session mediation ([Stream]):
// the caller announces itself with an init message, then receives control
// events as JSON text frames and synthesized speech as binary frames.
//
// Authentication to the WebSocket half uses the short-lived HMAC token
// minted by [Token].
package voice

import "context"

// SynthesisRequest is one REST text-to-speech call.
type SynthesisRequest struct {
	// Text is the sentence or chunk to synthesize.
	Text string
	// SpeakerWAV is the URL of the voice-sample clip the service clones.
	SpeakerWAV string
	// Language is a BCP-47 hint, e.g. "en".
	Language string
}

// Synthesizer converts text to a single WAV payload.
type Synthesizer interface {
	// Synthesize performs one REST synthesis call and returns the raw WAV
	// bytes. An empty response body is an error.
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// StreamInit is the first message sent on a freshly opened stream.
type StreamInit struct {
	UserID        string `json:"userId"`
	AvatarID      string `json:"avatarId"`
	VoiceCloneURL string `json:"voice_clone_url"`
	Language      string `json:"language"`
}

// EventType discriminates events arriving on a [Stream].
type EventType string

const (
	// EventReady signals the service accepted the init message and is
	// prepared to speak.
	EventReady EventType = "ready"

	// EventError carries a service-side failure message.
	EventError EventType = "error"

	// EventSpeechStart brackets the beginning of a synthesized utterance.
	EventSpeechStart EventType = "speech_start"

	// EventSpeechEnd brackets the end of a synthesized utterance.
	EventSpeechEnd EventType = "speech_end"

	// EventAudio is a binary frame of synthesized speech (PCM or WAV).
	EventAudio EventType = "audio"
)

// Event is one message received from the voice service.
type Event struct {
	Type EventType
	// Audio holds the payload for EventAudio frames.
	Audio []byte
	// Message holds the text of EventError frames.
	Message string
}

// Stream is a live bidirectional link to the voice service. Implementations
// deliver incoming traffic on Events and close that channel when the link
// dies; Err then reports why.
type Stream interface {
	// Events returns the channel of incoming service events.
	Events() <-chan Event

	// Speak asks the service to synthesize and stream the given text.
	Speak(text string) error

	// StopSpeaking interrupts the utterance currently being streamed.
	StopSpeaking() error

	// Err returns the first error that terminated the stream, if any.
	Err() error

	// Close tears the link down. Idempotent.
	Close() error
}

// StreamDialer opens conversational links to the voice service.
type StreamDialer interface {
	// DialStream connects, authenticates, and sends the init message.
	// The returned stream is live: events may arrive immediately.
	DialStream(ctx context.Context, init StreamInit) (Stream, error)
}
