package video

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and stream satisfy the interfaces.
var _ StreamDialer = (*Dialer)(nil)
var _ Stream = (*stream)(nil)

const (
	// frameChanBuf is the buffer depth of the frames channel. Video frames
	// arrive in bursts while an utterance is being lip-synced.
	frameChanBuf = 64

	// maxVideoFrame bounds one incoming WebSocket frame. Rendered frames
	// are JPEG or short mp4 segments; 4 MiB leaves generous headroom.
	maxVideoFrame = 4 << 20
)

// Dialer implements [StreamDialer] for the video service's WebSocket
// endpoint.
type Dialer struct {
	wsBaseURL string
	apiKey    string
}

// NewDialer creates a Dialer for the WebSocket base at wsBaseURL
// (e.g. "ws://video-svc:8003"); streams attach at /stream/<session_id>.
// Both arguments must be non-empty.
func NewDialer(wsBaseURL, apiKey string) (*Dialer, error) {
	if wsBaseURL == "" {
		return nil, errors.New("video: wsBaseURL must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("video: apiKey must not be empty")
	}
	return &Dialer{wsBaseURL: strings.TrimRight(wsBaseURL, "/"), apiKey: apiKey}, nil
}

// DialStream implements [StreamDialer].
func (d *Dialer) DialStream(ctx context.Context, sessionID string) (Stream, error) {
	if sessionID == "" {
		return nil, errors.New("video: sessionID must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, d.wsBaseURL+"/stream/"+sessionID, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("video: dial stream %s: %w", sessionID, err)
	}
	conn.SetReadLimit(maxVideoFrame)

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:   conn,
		frames: make(chan []byte, frameChanBuf),
		ctx:    streamCtx,
		cancel: cancel,
	}
	go s.receiveLoop()

	return s, nil
}

// ── stream ──────────────────────────────────────────────────────────────────────

type stream struct {
	conn   *websocket.Conn
	frames chan []byte

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// receiveLoop reads frames from the WebSocket and delivers the binary ones.
// It owns the frames channel and closes it on exit. Text frames from the
// service are control noise and are dropped.
func (s *stream) receiveLoop() {
	defer s.closeFrames()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		select {
		case s.frames <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *stream) closeFrames() {
	s.closeOnce.Do(func() { close(s.frames) })
}

// Send forwards one binary audio chunk to the service.
func (s *stream) Send(audio []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("video: stream closed")
	}
	s.mu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageBinary, audio)
}

// Interrupt sends a stop_speaking control frame.
func (s *stream) Interrupt() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("video: stream closed")
	}
	s.mu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"stop_speaking"}`))
}

// Frames returns the channel of incoming video frames.
func (s *stream) Frames() <-chan []byte { return s.frames }

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
