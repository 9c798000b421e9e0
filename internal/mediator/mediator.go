// Package mediator bridges one client WebSocket to the live upstreams: the
// voice service's conversational link, optionally the video service's
// lip-sync link, and the LLM. Upstream traffic is coalesced into a single
// framed stream to the client.
//
// Each session is logically single-threaded: reader goroutines deliver typed
// events into one channel and the event loop is the only writer of session
// state. Teardown runs on every terminal path, panics included, and settles
// usage, transcript, and sockets exactly once.
package mediator

import (
	"context"
	"time"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/avatar"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/internal/quota"
	"github.com/visage-ai/visage/internal/resilience"
	"github.com/visage-ai/visage/pkg/provider/llm"
	"github.com/visage-ai/visage/pkg/provider/video"
	"github.com/visage-ai/visage/pkg/provider/voice"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/types"
)

// Readiness watchdogs: a session that cannot open its upstreams within the
// window fails instead of hanging the client.
const (
	VoiceReadyTimeout = 20 * time.Second
	VideoReadyTimeout = 30 * time.Second
)

// Binary frame discriminators prefixing every binary payload to the client.
const (
	FrameAudio byte = 0x01
	FrameVideo byte = 0x02
)

// WebSocket close codes used toward the client.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Outbound JSON message types.
const (
	msgConnecting  = "connecting"
	msgReady       = "ready"
	msgLLMResponse = "llm_response_text"
	msgSpeechStart = "speech_start"
	msgSpeechEnd   = "speech_end"
	msgError       = "error"
	msgSystem      = "system"
)

// Inbound JSON message types.
const (
	msgUserText     = "user_text"
	msgStopSpeaking = "stop_speaking"
)

// serverMessage is the JSON shape of every text frame to the client.
type serverMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// clientMessage is the JSON shape of text frames from the client.
type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientConn is the mediator's view of the browser socket. The api package
// implements it over the WebSocket upgrade; tests use the mock subpackage.
type ClientConn interface {
	// Read blocks for the next client frame.
	Read(ctx context.Context) (data []byte, binary bool, err error)

	// SendJSON writes one text frame.
	SendJSON(ctx context.Context, v any) error

	// SendBinary writes one binary frame.
	SendBinary(ctx context.Context, data []byte) error

	// Close sends the close frame. Idempotent.
	Close(code int, reason string) error
}

// Params identifies one session to mediate.
type Params struct {
	OwnerID  string
	AvatarID string
	Kind     types.SessionKind

	// Language is the reply-language hint; empty falls back to the
	// avatar's language.
	Language string

	// VoiceURL overrides the avatar's stored voice sample as the clone
	// reference; empty uses the avatar row.
	VoiceURL string
}

// Mediator runs live sessions over a shared set of upstream clients.
type Mediator struct {
	avatars       *avatar.Service
	voiceDial     voice.StreamDialer
	videoSessions video.SessionClient
	videoDial     video.StreamDialer
	conv          *llm.Conversations
	sessions      store.SessionStore
	usage         *quota.Accountant
	metrics       *observe.Metrics

	// llmBreaker is shared across sessions so a model outage short-circuits
	// every turn instead of timing out one session at a time.
	llmBreaker *resilience.CircuitBreaker

	readyTimeout time.Duration
	now          func() time.Time
}

// Option is a functional option for configuring a [Mediator].
type Option func(*Mediator)

// WithReadyTimeout overrides both readiness watchdogs. Primarily used in
// tests.
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Mediator) { m.readyTimeout = d }
}

// WithMetrics replaces the metrics instance. Primarily used in tests.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Mediator) { m.metrics = met }
}

// WithClock overrides the time source. Primarily used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Mediator) { m.now = now }
}

// New creates a Mediator over the given dependencies. videoSessions and
// videoDial may be nil when only voice sessions are served.
func New(avatars *avatar.Service, voiceDial voice.StreamDialer,
	videoSessions video.SessionClient, videoDial video.StreamDialer,
	conv *llm.Conversations, sessions store.SessionStore, usage *quota.Accountant,
	opts ...Option) *Mediator {
	m := &Mediator{
		avatars:       avatars,
		voiceDial:     voiceDial,
		videoSessions: videoSessions,
		videoDial:     videoDial,
		conv:          conv,
		sessions:      sessions,
		usage:         usage,
		metrics:       observe.DefaultMetrics(),
		llmBreaker:    resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "llm"}),
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run mediates one session until the client disconnects, an upstream dies,
// or ctx is cancelled. The client socket is always closed before Run
// returns; the returned error describes the failure cause, nil for a clean
// close.
func (m *Mediator) Run(ctx context.Context, client ClientConn, p Params) error {
	av, err := m.resolveAvatar(ctx, p)
	if err != nil {
		client.SendJSON(ctx, serverMessage{Type: msgError, Message: err.Error()})
		client.Close(ClosePolicyViolation, "avatar unavailable")
		return err
	}

	language := p.Language
	if language == "" {
		language = av.Language
	}

	row, err := m.sessions.Insert(ctx, store.Session{
		OwnerID:  p.OwnerID,
		AvatarID: p.AvatarID,
		Kind:     p.Kind,
		Language: language,
		Status:   types.SessionConnecting,
	})
	if err != nil {
		client.SendJSON(ctx, serverMessage{Type: msgError, Message: "failed to start session"})
		client.Close(CloseInternalError, "session setup failed")
		return apperr.Wrap(apperr.KindStoreError, "insert session", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		m:        m,
		id:       row.ID,
		p:        p,
		av:       av,
		language: language,
		client:   client,
		ctx:      sctx,
		cancel:   cancel,
		events:   make(chan event, 64),
		state:    types.SessionConnecting,
	}
	return s.run()
}

// resolveAvatar loads the avatar and checks it carries what the session kind
// needs: every session clones a voice, video sessions animate the image. A
// caller-supplied voice override satisfies the clone requirement.
func (m *Mediator) resolveAvatar(ctx context.Context, p Params) (store.Avatar, error) {
	if p.Kind == types.SessionVideo {
		return m.avatars.RequireComplete(ctx, p.AvatarID, p.VoiceURL == "")
	}
	av, err := m.avatars.Get(ctx, p.AvatarID)
	if err != nil {
		return store.Avatar{}, err
	}
	if av.VoiceSampleURL == "" && p.VoiceURL == "" {
		return store.Avatar{}, apperr.New(apperr.KindAvatarIncomplete, "avatar is missing its voice artifact")
	}
	return av, nil
}
