// Package avatar serves avatar rows with a read-through in-process cache.
//
// Avatar rows are append-only from the core's point of view, so the cache is
// unbounded and never invalidated within one process lifetime. The cache
// deliberately skips single-flight coalescing: a duplicated read on a cold
// id is cheaper than the machinery to avoid it.
package avatar

import (
	"context"
	"errors"
	"sync"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/pkg/store"
)

// Missing artifact names reported by RequireComplete.
const (
	MissingImage = "image"
	MissingVoice = "voice"
)

// Service resolves avatars for the pipelines and the mediator.
type Service struct {
	avatars store.AvatarStore

	mu    sync.RWMutex
	cache map[string]store.Avatar
}

// NewService creates a Service over the given store.
func NewService(avatars store.AvatarStore) *Service {
	return &Service{
		avatars: avatars,
		cache:   make(map[string]store.Avatar),
	}
}

// Get returns the avatar by id, reading through the cache. A missing row
// maps to an avatar-not-found error.
func (s *Service) Get(ctx context.Context, id string) (store.Avatar, error) {
	s.mu.RLock()
	av, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return av, nil
	}

	av, err := s.avatars.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Avatar{}, apperr.New(apperr.KindAvatarNotFound, "avatar "+id+" not found")
	}
	if err != nil {
		return store.Avatar{}, apperr.Wrap(apperr.KindStoreError, "read avatar", err)
	}

	s.mu.Lock()
	s.cache[id] = av
	s.mu.Unlock()
	return av, nil
}

// RequireComplete returns the avatar only when it carries the artifacts the
// caller needs. needVoice additionally demands a voice sample (script-input
// jobs and chat sessions clone it).
func (s *Service) RequireComplete(ctx context.Context, id string, needVoice bool) (store.Avatar, error) {
	av, err := s.Get(ctx, id)
	if err != nil {
		return store.Avatar{}, err
	}
	if av.ImageURL == "" {
		return store.Avatar{}, incompleteErr(MissingImage)
	}
	if needVoice && av.VoiceSampleURL == "" {
		return store.Avatar{}, incompleteErr(MissingVoice)
	}
	return av, nil
}

// Cached reports whether the id is already in the cache. Test hook.
func (s *Service) Cached(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[id]
	return ok
}

func incompleteErr(missing string) error {
	return apperr.New(apperr.KindAvatarIncomplete, "avatar is missing its "+missing+" artifact")
}
