package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/visage-ai/visage/internal/mediator"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/pkg/types"
)

func (s *Server) handleVoiceChat(w http.ResponseWriter, r *http.Request) {
	s.handleChat(w, r, types.SessionVoice)
}

func (s *Server) handleVideoChat(w http.ResponseWriter, r *http.Request) {
	s.handleChat(w, r, types.SessionVideo)
}

// handleChat authenticates the query-string token, upgrades the connection,
// and hands it to the mediator for the rest of its life.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, kind types.SessionKind) {
	ctx := r.Context()
	q := r.URL.Query()

	avatarID := q.Get("avatarId")
	if avatarID == "" {
		http.Error(w, "avatarId is required", http.StatusBadRequest)
		return
	}
	userID, err := s.verifier.Verify(ctx, q.Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{}
	if host := frontendHost(s.frontendURL); host != "" {
		opts.OriginPatterns = []string{host}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		observe.Logger(ctx).Warn("websocket upgrade failed", "error", err)
		return
	}
	// Live sessions carry long LLM replies and audio fan-out.
	conn.SetReadLimit(1 << 20)

	runErr := s.med.Run(ctx, &wsConn{conn: conn}, mediator.Params{
		OwnerID:  userID,
		AvatarID: avatarID,
		Kind:     kind,
		Language: q.Get("language"),
		VoiceURL: q.Get("voiceUrl"),
	})
	if runErr != nil {
		observe.Logger(ctx).Info("session ended with failure",
			"owner_id", userID, "kind", kind, "error", runErr)
	}
}

// frontendHost extracts the host pattern the upgrade allows as Origin.
func frontendHost(frontendURL string) string {
	if frontendURL == "" {
		return ""
	}
	u, err := url.Parse(frontendURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}

// wsConn adapts a coder/websocket connection to the mediator's client
// contract.
type wsConn struct {
	conn *websocket.Conn
}

// Compile-time interface assertion.
var _ mediator.ClientConn = (*wsConn)(nil)

func (c *wsConn) Read(ctx context.Context) ([]byte, bool, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, typ == websocket.MessageBinary, nil
}

func (c *wsConn) SendJSON(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, raw)
}

func (c *wsConn) SendBinary(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
