// Package auth resolves caller identity for the HTTP and WebSocket surfaces.
//
// Two credential shapes are accepted. End users carry a bearer token of the
// external auth provider, checked remotely through [Verifier]. Machine
// callers carry an API key whose salted hash is stored locally and verified
// by [Keys] without a network round trip.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/visage-ai/visage/internal/apperr"
)

// Principal is a resolved caller identity.
type Principal struct {
	// UserID is the owner id all rows are keyed by.
	UserID string

	// KeyID is set when the caller authenticated with an API key; rate
	// limits are then keyed per key instead of per address.
	KeyID string
}

// Verifier checks an end-user bearer token against the external auth
// provider and returns the user id it belongs to.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Compile-time interface assertion.
var _ Verifier = (*HTTPVerifier)(nil)

// verifyTimeout bounds one remote verification call.
const verifyTimeout = 10 * time.Second

// HTTPVerifier implements [Verifier] against the auth provider's
// verification endpoint: a GET carrying the token as a bearer header,
// answered with the subject's user id.
type HTTPVerifier struct {
	verifyURL  string
	httpClient *http.Client
}

// VerifierOption is a functional option for configuring an [HTTPVerifier].
type VerifierOption func(*HTTPVerifier)

// WithHTTPClient replaces the underlying HTTP client. Primarily used in
// tests.
func WithHTTPClient(hc *http.Client) VerifierOption {
	return func(v *HTTPVerifier) { v.httpClient = hc }
}

// NewHTTPVerifier creates a verifier for the endpoint at verifyURL.
func NewHTTPVerifier(verifyURL string, opts ...VerifierOption) (*HTTPVerifier, error) {
	if verifyURL == "" {
		return nil, errors.New("auth: verifyURL must not be empty")
	}
	v := &HTTPVerifier{
		verifyURL:  verifyURL,
		httpClient: &http.Client{Timeout: verifyTimeout},
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// verifyResponse is the JSON answer of the verification endpoint.
type verifyResponse struct {
	UserID string `json:"user_id"`
}

// Verify implements [Verifier]. A 2xx answer carrying a user id accepts the
// token; 401/403 map to an unauthorized error; anything else means the
// provider is unreachable and surfaces as an upstream failure so callers do
// not mistake an outage for a bad credential.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apperr.New(apperr.KindUnauthorized, "missing bearer token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.verifyURL, nil)
	if err != nil {
		return "", fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", apperr.Upstream("auth", false, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", apperr.New(apperr.KindUnauthorized, "token rejected")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", apperr.Upstream("auth", true,
			fmt.Errorf("verification returned status %d: %s", resp.StatusCode, body))
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Upstream("auth", true, fmt.Errorf("decode verification response: %w", err))
	}
	if out.UserID == "" {
		return "", apperr.New(apperr.KindUnauthorized, "verification response carried no user id")
	}
	return out.UserID, nil
}
