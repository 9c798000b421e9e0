package voice_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/visage-ai/visage/pkg/provider/voice"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startVoiceServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startVoiceServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func TestDialStream_SendsTokenAndInit(t *testing.T) {
	t.Parallel()

	type initMsg struct {
		Type          string `json:"type"`
		UserID        string `json:"userId"`
		AvatarID      string `json:"avatarId"`
		VoiceCloneURL string `json:"voice_clone_url"`
		Language      string `json:"language"`
	}

	authHeader := make(chan string, 1)
	inits := make(chan initMsg, 1)

	srv := startVoiceServer(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		var msg initMsg
		readJSON(t, conn, &msg)
		inits <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	at := time.Unix(1_700_000_000, 0)
	d, err := voice.NewDialer(wsURL(srv), "shared-secret",
		voice.WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}

	st, err := d.DialStream(context.Background(), voice.StreamInit{
		UserID:        "user-1",
		AvatarID:      "avatar-1",
		VoiceCloneURL: "https://cdn.example.com/sample.wav",
		Language:      "en",
	})
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer st.Close()

	select {
	case auth := <-authHeader:
		unix, err := voice.VerifyToken("shared-secret", auth)
		if err != nil {
			t.Fatalf("header token does not verify: %v", err)
		}
		if unix != at.Unix() {
			t.Errorf("token timestamp = %d; want %d", unix, at.Unix())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for auth header")
	}

	select {
	case msg := <-inits:
		if msg.Type != "init" {
			t.Errorf("type = %q; want init", msg.Type)
		}
		if msg.UserID != "user-1" || msg.AvatarID != "avatar-1" {
			t.Errorf("ids = (%q, %q); want (user-1, avatar-1)", msg.UserID, msg.AvatarID)
		}
		if msg.VoiceCloneURL != "https://cdn.example.com/sample.wav" {
			t.Errorf("voice_clone_url = %q", msg.VoiceCloneURL)
		}
		if msg.Language != "en" {
			t.Errorf("language = %q; want en", msg.Language)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for init message")
	}
}

func TestStream_DeliversControlAndAudioEvents(t *testing.T) {
	t.Parallel()

	audio := []byte{0x52, 0x49, 0x46, 0x46, 0x01, 0x02}

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]string{"type": "ready"})
		writeJSON(t, conn, map[string]string{"type": "speech_start"})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn.Write(ctx, websocket.MessageBinary, audio)
		writeJSON(t, conn, map[string]string{"type": "speech_end"})
		writeJSON(t, conn, map[string]string{"type": "error", "message": "synth overload"})

		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := voice.NewDialer(wsURL(srv), "secret")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	st, err := d.DialStream(context.Background(), voice.StreamInit{UserID: "u", AvatarID: "a"})
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer st.Close()

	want := []voice.EventType{
		voice.EventReady, voice.EventSpeechStart, voice.EventAudio,
		voice.EventSpeechEnd, voice.EventError,
	}
	for i, wantType := range want {
		select {
		case evt, ok := <-st.Events():
			if !ok {
				t.Fatalf("events channel closed at event %d", i)
			}
			if evt.Type != wantType {
				t.Errorf("event[%d] = %q; want %q", i, evt.Type, wantType)
			}
			if wantType == voice.EventAudio && string(evt.Audio) != string(audio) {
				t.Errorf("audio payload = %v; want %v", evt.Audio, audio)
			}
			if wantType == voice.EventError && evt.Message != "synth overload" {
				t.Errorf("error message = %q; want %q", evt.Message, "synth overload")
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for event %d (%s)", i, wantType)
		}
	}
}

func TestStream_SpeakAndStop(t *testing.T) {
	t.Parallel()

	type outMsg struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	outbound := make(chan outMsg, 2)

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		for range 2 {
			var msg outMsg
			readJSON(t, conn, &msg)
			outbound <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := voice.NewDialer(wsURL(srv), "secret")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	st, err := d.DialStream(context.Background(), voice.StreamInit{UserID: "u", AvatarID: "a"})
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer st.Close()

	if err := st.Speak("Tell me more."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := st.StopSpeaking(); err != nil {
		t.Fatalf("StopSpeaking: %v", err)
	}

	select {
	case msg := <-outbound:
		if msg.Type != "text_to_speak" || msg.Text != "Tell me more." {
			t.Errorf("first outbound = %+v; want text_to_speak/Tell me more.", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for text_to_speak")
	}
	select {
	case msg := <-outbound:
		if msg.Type != "stop_speaking" {
			t.Errorf("second outbound type = %q; want stop_speaking", msg.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for stop_speaking")
	}
}

func TestStream_CloseIsIdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := voice.NewDialer(wsURL(srv), "secret")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	st, err := d.DialStream(context.Background(), voice.StreamInit{UserID: "u", AvatarID: "a"})
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, open := <-st.Events():
		if open {
			t.Error("events channel should be closed after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for events channel to close")
	}

	if err := st.Speak("too late"); err == nil {
		t.Error("Speak after Close should return an error")
	}
}

func TestDialStream_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := voice.NewDialer(wsURL(srv), "secret")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.DialStream(ctx, voice.StreamInit{}); err == nil {
		t.Fatal("DialStream with cancelled context should return an error")
	}
}
