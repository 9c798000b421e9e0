// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the prompts the mediator builds and to
// feed controlled replies without a live backend.
//
// Example:
//
//	p := &mock.Provider{Response: "Hello!"}
//	conv := llm.NewConversations(p)
//	reply, err := conv.Generate(ctx, "sess", "hi", "persona", "en")
package mock

import (
	"context"
	"sync"

	"github.com/visage-ai/visage/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Zero values cause
// Complete to return an empty response and nil error.
type Provider struct {
	mu sync.Mutex

	// Response is the reply content returned by Complete.
	Response string

	// Responses, when non-empty, is consumed one entry per call before
	// falling back to Response.
	Responses []string

	// Err, if non-nil, is returned by Complete instead of a response.
	Err error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the configured reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})
	if p.Err != nil {
		return nil, p.Err
	}
	content := p.Response
	if len(p.Responses) > 0 {
		content = p.Responses[0]
		p.Responses = p.Responses[1:]
	}
	return &llm.CompletionResponse{Content: content}, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}
