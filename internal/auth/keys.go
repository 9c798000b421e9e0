package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/pkg/store"
)

// PrefixLen is how many leading characters of a secret form its lookup
// prefix. Issuance stores the same slice.
const PrefixLen = 8

// Keys resolves API-key secrets to principals and keeps the per-key audit
// trail.
type Keys struct {
	keys store.KeyStore
	now  func() time.Time
}

// KeysOption is a functional option for configuring [Keys].
type KeysOption func(*Keys)

// WithClock overrides the time source. Primarily used in tests.
func WithClock(now func() time.Time) KeysOption {
	return func(k *Keys) { k.now = now }
}

// NewKeys creates a Keys service over the given store.
func NewKeys(keys store.KeyStore, opts ...KeysOption) *Keys {
	k := &Keys{keys: keys, now: time.Now}
	for _, o := range opts {
		o(k)
	}
	return k
}

// HashSecret computes hex(SHA-256(salt || secret)) with salt given as hex.
// Shared with issuance tooling so both sides agree on the digest shape.
func HashSecret(saltHex, secret string) (string, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(salt, []byte(secret)...))
	return hex.EncodeToString(sum[:]), nil
}

// Resolve verifies the secret and returns the key it belongs to. The key
// must be active, unexpired, and permitted to touch resource (empty resource
// skips the permission check). Hash comparison is constant-time per
// candidate; a matched key has its last-use stamp bumped.
func (k *Keys) Resolve(ctx context.Context, secret, resource string) (store.APIKey, error) {
	if len(secret) < PrefixLen {
		return store.APIKey{}, apperr.New(apperr.KindUnauthorized, "API key rejected")
	}

	candidates, err := k.keys.FindByPrefix(ctx, secret[:PrefixLen])
	if err != nil {
		return store.APIKey{}, apperr.Wrap(apperr.KindStoreError, "look up API key", err)
	}

	now := k.now()
	for _, cand := range candidates {
		digest, err := HashSecret(cand.Salt, secret)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(digest), []byte(cand.SecretHash)) != 1 {
			continue
		}

		// Matched. Reject on state before touching the audit trail.
		if !cand.Active {
			return store.APIKey{}, apperr.New(apperr.KindUnauthorized, "API key is disabled")
		}
		if cand.Expired(now) {
			return store.APIKey{}, apperr.New(apperr.KindUnauthorized, "API key is expired")
		}
		if resource != "" && !cand.PermitsResource(resource) {
			return store.APIKey{}, apperr.New(apperr.KindUnauthorized, "API key does not permit "+resource)
		}

		if err := k.keys.Touch(ctx, cand.ID, now); err != nil {
			slog.Warn("failed to stamp API key last use", "key_id", cand.ID, "error", err)
		}
		return cand, nil
	}

	return store.APIKey{}, apperr.New(apperr.KindUnauthorized, "API key rejected")
}

// RecordUse bumps the key's usage ledger for one endpoint bucket. The rate
// window is the wall-clock minute.
func (k *Keys) RecordUse(ctx context.Context, keyID, bucket string) error {
	return k.keys.RecordUsage(ctx, keyID, bucket, k.now().Truncate(time.Minute))
}
