package video_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/visage-ai/visage/pkg/provider/video"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startVideoServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startVideoServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

func TestDialStream_PathAndBearerKey(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 1)
	auths := make(chan string, 1)

	srv := startVideoServer(t, func(conn *websocket.Conn, r *http.Request) {
		paths <- r.URL.Path
		auths <- r.Header.Get("Authorization")
		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := video.NewDialer(wsURL(srv), "stream-key")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	st, err := d.DialStream(context.Background(), "sess-7")
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer st.Close()

	select {
	case p := <-paths:
		if p != "/stream/sess-7" {
			t.Errorf("path = %s; want /stream/sess-7", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for dial")
	}
	if auth := <-auths; auth != "Bearer stream-key" {
		t.Errorf("authorization = %q; want Bearer stream-key", auth)
	}
}

func TestStream_SendsAudioAndDeliversFrames(t *testing.T) {
	t.Parallel()

	audio := []byte{0x01, 0x02, 0x03}
	frame := []byte{0xFF, 0xD8, 0xFF, 0xE0}

	received := make(chan []byte, 1)
	srv := startVideoServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		received <- data
		conn.Write(ctx, websocket.MessageBinary, frame)
		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := video.NewDialer(wsURL(srv), "k")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	st, err := d.DialStream(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer st.Close()

	if err := st.Send(audio); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != string(audio) {
			t.Errorf("server received %v; want %v", got, audio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio on server")
	}

	select {
	case got, ok := <-st.Frames():
		if !ok {
			t.Fatal("frames channel closed before first frame")
		}
		if string(got) != string(frame) {
			t.Errorf("frame = %v; want %v", got, frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for video frame")
	}
}

func TestStream_InterruptSendsControlFrame(t *testing.T) {
	t.Parallel()

	type wsFrame struct {
		typ  websocket.MessageType
		data []byte
	}
	received := make(chan wsFrame, 1)
	srv := startVideoServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		received <- wsFrame{typ: typ, data: data}
		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := video.NewDialer(wsURL(srv), "k")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	st, err := d.DialStream(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer st.Close()

	if err := st.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	select {
	case got := <-received:
		if got.typ != websocket.MessageText {
			t.Errorf("frame type = %v; want text", got.typ)
		}
		if string(got.data) != `{"type":"stop_speaking"}` {
			t.Errorf("payload = %q; want the stop_speaking control frame", got.data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for control frame on server")
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Interrupt(); err == nil {
		t.Error("Interrupt after Close should return an error")
	}
}

func TestStream_CloseIsIdempotentAndClosesFrames(t *testing.T) {
	t.Parallel()

	srv := startVideoServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	d, err := video.NewDialer(wsURL(srv), "k")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	st, err := d.DialStream(context.Background(), "sess-1")
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
	case _, open := <-st.Frames():
		if open {
			t.Error("frames channel should be closed after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frames channel to close")
	}

	if err := st.Send([]byte{0x00}); err == nil {
		t.Error("Send after Close should return an error")
	}
}

func TestDialStream_EmptySessionRejected(t *testing.T) {
	t.Parallel()

	d, err := video.NewDialer("ws://video-svc", "k")
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	if _, err := d.DialStream(context.Background(), ""); err == nil {
		t.Fatal("DialStream with empty session id should return an error")
	}
}
