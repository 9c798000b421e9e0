// Package mock provides a test double for the auth.Verifier interface.
package mock

import (
	"context"
	"sync"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/auth"
)

// Verifier is a mock implementation of auth.Verifier backed by a static
// token→user table.
type Verifier struct {
	mu sync.Mutex

	// Tokens maps accepted bearer tokens to user ids.
	Tokens map[string]string

	// Err, if non-nil, is returned by every Verify call.
	Err error

	// VerifyCalls records every token passed to Verify.
	VerifyCalls []string
}

// Compile-time interface assertion.
var _ auth.Verifier = (*Verifier)(nil)

// Verify records the call and resolves the token against Tokens. Unknown
// tokens are rejected as unauthorized.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.VerifyCalls = append(v.VerifyCalls, token)
	if v.Err != nil {
		return "", v.Err
	}
	if userID, ok := v.Tokens[token]; ok {
		return userID, nil
	}
	return "", apperr.New(apperr.KindUnauthorized, "token rejected")
}
