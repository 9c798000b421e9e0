// Package llm defines the turn-based text-generation contract used by the
// session mediator.
//
// A Provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, …) behind a uniform completion call. The [Conversations]
// type layers the per-session rolling window on top: it keeps the last few
// turns of each live session in memory and rebuilds the prompt on every call,
// dropping the history when the session closes.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Roles used in conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry of a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one turn.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// user turn that drives the response.
	Messages []Message

	// SystemPrompt is the avatar persona injected ahead of the history.
	// Providers that lack a dedicated system slot prepend it as a
	// system-role message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means the provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply for one turn.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
