package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultWindow is the number of trailing turns (user + model pairs) kept per
// session. Older turns are dropped from the prompt, not persisted.
const DefaultWindow = 10

// ConversationsOption is a functional option for [NewConversations].
type ConversationsOption func(*Conversations)

// WithWindow overrides the rolling-window size. Values below one fall back to
// [DefaultWindow].
func WithWindow(turns int) ConversationsOption {
	return func(c *Conversations) {
		if turns >= 1 {
			c.window = turns
		}
	}
}

// WithTemperature sets the sampling temperature passed on every completion.
func WithTemperature(t float64) ConversationsOption {
	return func(c *Conversations) { c.temperature = t }
}

// WithMaxTokens caps the completion length passed on every call.
func WithMaxTokens(n int) ConversationsOption {
	return func(c *Conversations) { c.maxTokens = n }
}

// Conversations keeps a bounded per-session history on top of a [Provider].
//
// Histories live only in memory and only for the lifetime of the session;
// callers must Drop a session id when the session closes. Safe for concurrent
// use across sessions; turns within one session are serialized by the caller
// (the mediator's event loop).
type Conversations struct {
	provider    Provider
	window      int
	temperature float64
	maxTokens   int

	mu        sync.Mutex
	histories map[string][]Message
}

// NewConversations wraps provider with per-session rolling-window histories.
func NewConversations(provider Provider, opts ...ConversationsOption) *Conversations {
	c := &Conversations{
		provider:  provider,
		window:    DefaultWindow,
		histories: make(map[string][]Message),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Generate runs one conversation turn: the session's history plus userText is
// sent to the provider, and on success both the user turn and the model reply
// are recorded in the window.
//
// language, when non-empty, is appended to the system prompt as a response
// hint. A failed completion leaves the history untouched so a retried turn
// does not duplicate the user message.
func (c *Conversations) Generate(ctx context.Context, sessionID, userText, systemPrompt, language string) (string, error) {
	if strings.TrimSpace(userText) == "" {
		return "", fmt.Errorf("llm: empty user text")
	}

	c.mu.Lock()
	history := make([]Message, len(c.histories[sessionID]))
	copy(history, c.histories[sessionID])
	c.mu.Unlock()

	messages := append(history, Message{Role: RoleUser, Content: userText})

	resp, err := c.provider.Complete(ctx, CompletionRequest{
		Messages:     messages,
		SystemPrompt: withLanguageHint(systemPrompt, language),
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: complete turn: %w", err)
	}
	reply := ""
	if resp != nil {
		reply = strings.TrimSpace(resp.Content)
	}

	c.mu.Lock()
	h := append(c.histories[sessionID],
		Message{Role: RoleUser, Content: userText},
		Message{Role: RoleAssistant, Content: reply},
	)
	// Two messages per turn.
	if max := c.window * 2; len(h) > max {
		h = append([]Message(nil), h[len(h)-max:]...)
	}
	c.histories[sessionID] = h
	c.mu.Unlock()

	return reply, nil
}

// History returns a copy of the session's current window.
func (c *Conversations) History(sessionID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.histories[sessionID]))
	copy(out, c.histories[sessionID])
	return out
}

// Drop discards the session's history. Called on session close.
func (c *Conversations) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.histories, sessionID)
}

func withLanguageHint(systemPrompt, language string) string {
	if language == "" {
		return systemPrompt
	}
	hint := fmt.Sprintf("Respond in the language with code %q.", language)
	if systemPrompt == "" {
		return hint
	}
	return systemPrompt + "\n\n" + hint
}
