package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/auth"
	"github.com/visage-ai/visage/internal/observe"
)

// principalKey carries the resolved caller identity through the request
// context.
type principalKey struct{}

// principalFrom returns the identity the auth middleware resolved.
func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// corsMiddleware answers preflights and stamps the allow headers when the
// request origin matches the configured frontend. A trailing slash on either
// side is tolerated.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := strings.TrimSuffix(s.frontendURL, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed != "" && strings.TrimSuffix(origin, "/") == allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, x-api-key")
			h.Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter budgets requests per caller: machine callers by key prefix,
// everyone else by remote address. It runs before authentication, so the key
// prefix stands in for the key id.
func (s *Server) rateLimiter() func(http.Handler) http.Handler {
	keyFn := func(r *http.Request) (string, error) {
		if secret := r.Header.Get("x-api-key"); len(secret) >= auth.PrefixLen {
			return "key:" + secret[:auth.PrefixLen], nil
		}
		return httprate.KeyByIP(r)
	}
	return httprate.Limit(s.rateLimit, time.Minute,
		httprate.WithKeyFuncs(keyFn),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		}),
	)
}

// authenticate resolves the caller: a bearer token of the external auth
// provider, or an x-api-key secret resolved against the key store. API-key
// calls are additionally recorded in the per-key usage ledger.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if secret := r.Header.Get("x-api-key"); secret != "" {
			if s.keys == nil {
				writeError(ctx, w, apperr.New(apperr.KindUnauthorized, "API keys are not accepted"))
				return
			}
			key, err := s.keys.Resolve(ctx, secret, "")
			if err != nil {
				writeError(ctx, w, err)
				return
			}
			if err := s.keys.RecordUse(ctx, key.ID, endpointBucket(r.URL.Path)); err != nil {
				observe.Logger(ctx).Warn("failed to record API key use", "key_id", key.ID, "error", err)
			}
			p := auth.Principal{UserID: key.OwnerID, KeyID: key.ID}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, p)))
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(ctx, w, apperr.New(apperr.KindUnauthorized, "missing credentials"))
			return
		}
		userID, err := s.verifier.Verify(ctx, token)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		p := auth.Principal{UserID: userID}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, p)))
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// endpointBucket names the ledger bucket for a path: the first segment under
// /api, e.g. "audio-generation".
func endpointBucket(path string) string {
	rest := strings.TrimPrefix(path, "/api/")
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return rest
}
