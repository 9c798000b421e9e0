package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and stream satisfy the interfaces.
var _ StreamDialer = (*Dialer)(nil)
var _ Stream = (*stream)(nil)

const (
	// eventChanBuf is the buffer depth of the events channel. Audio frames
	// arrive in bursts while an utterance streams.
	eventChanBuf = 64

	// maxVoiceFrame bounds one incoming WebSocket frame. A second of
	// 24 kHz 16-bit PCM is under 50 KiB; 1 MiB leaves generous headroom.
	maxVoiceFrame = 1 << 20
)

// DialerOption is a functional option for configuring a [Dialer].
type DialerOption func(*Dialer)

// WithClock overrides the time source used for token minting. Primarily
// used in tests.
func WithClock(now func() time.Time) DialerOption {
	return func(d *Dialer) { d.now = now }
}

// Dialer implements [StreamDialer] for the voice service's WebSocket
// endpoint. Each dial mints a fresh HMAC token.
type Dialer struct {
	wsURL  string
	secret string
	now    func() time.Time
}

// NewDialer creates a Dialer for the WebSocket endpoint at wsURL
// (e.g. "ws://voice-svc:8002/voice-chat"). Both arguments must be non-empty.
func NewDialer(wsURL, secret string, opts ...DialerOption) (*Dialer, error) {
	if wsURL == "" {
		return nil, errors.New("voice: wsURL must not be empty")
	}
	if secret == "" {
		return nil, errors.New("voice: secret must not be empty")
	}
	d := &Dialer{wsURL: wsURL, secret: secret, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// DialStream implements [StreamDialer].
func (d *Dialer) DialStream(ctx context.Context, init StreamInit) (Stream, error) {
	conn, _, err := websocket.Dial(ctx, d.wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{Token(d.secret, d.now())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("voice: dial: %w", err)
	}
	conn.SetReadLimit(maxVoiceFrame)

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:   conn,
		events: make(chan Event, eventChanBuf),
		ctx:    streamCtx,
		cancel: cancel,
	}

	if err := s.writeJSON(initMessage{
		Type:          "init",
		UserID:        init.UserID,
		AvatarID:      init.AvatarID,
		VoiceCloneURL: init.VoiceCloneURL,
		Language:      init.Language,
	}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("voice: init: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ──────────────────────────────────────────

type initMessage struct {
	Type          string `json:"type"`
	UserID        string `json:"userId"`
	AvatarID      string `json:"avatarId"`
	VoiceCloneURL string `json:"voice_clone_url"`
	Language      string `json:"language"`
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ── Protocol message types (incoming) ──────────────────────────────────────────

// controlMessage is any JSON text frame from the service. The error detail
// may arrive under "message" or "error" depending on service version.
type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ── stream ──────────────────────────────────────────────────────────────────────

type stream struct {
	conn   *websocket.Conn
	events chan Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("voice: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads frames from the WebSocket and delivers them as events.
// It owns the events channel and closes it on exit.
func (s *stream) receiveLoop() {
	defer s.closeEvents()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			s.deliver(Event{Type: EventAudio, Audio: data})

		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch EventType(msg.Type) {
			case EventReady:
				s.deliver(Event{Type: EventReady})
			case EventSpeechStart:
				s.deliver(Event{Type: EventSpeechStart})
			case EventSpeechEnd:
				s.deliver(Event{Type: EventSpeechEnd})
			case EventError:
				detail := msg.Message
				if detail == "" {
					detail = msg.Error
				}
				s.deliver(Event{Type: EventError, Message: detail})
			default:
				// Unknown control frames are ignored for forward compatibility.
			}
		}
	}
}

func (s *stream) deliver(e Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *stream) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// ── Stream methods ──────────────────────────────────────────────────────────────

// Events returns the channel of incoming service events.
func (s *stream) Events() <-chan Event { return s.events }

// Speak sends a text_to_speak control frame.
func (s *stream) Speak(text string) error {
	if err := s.guardOpen(); err != nil {
		return err
	}
	return s.writeJSON(speakMessage{Type: "text_to_speak", Text: text})
}

// StopSpeaking sends a stop_speaking control frame.
func (s *stream) StopSpeaking() error {
	if err := s.guardOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "stop_speaking"})
}

func (s *stream) guardOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("voice: stream closed")
	}
	return nil
}

// Err returns the first non-nil error that terminated the stream.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the stream and releases all resources. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	return nil
}
