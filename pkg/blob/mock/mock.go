// Package mock provides an in-memory test double for the blob.Store
// interface. Objects live in a map; uploads honor the no-overwrite contract
// so idempotence tests behave like the real store.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/visage-ai/visage/pkg/blob"
)

// UploadCall records a single invocation of Upload.
type UploadCall struct {
	Key         string
	ContentType string
	Size        int
}

// Store is a mock implementation of blob.Store.
type Store struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// UploadErr, if non-nil, is returned by every Upload.
	UploadErr error

	// DownloadErr, if non-nil, is returned by every Download.
	DownloadErr error

	// DeleteErr, if non-nil, is returned by every Delete.
	DeleteErr error

	// BaseURL prefixes the URLs returned by Upload and URL.
	// Defaults to "mock://avatar-media".
	BaseURL string

	// --- State and call records ---

	// Objects maps key to stored payload. May be pre-seeded.
	Objects map[string][]byte

	// ContentTypes maps key to the content type it was uploaded with.
	ContentTypes map[string]string

	// UploadCalls records every Upload in order, including rejected ones.
	UploadCalls []UploadCall

	// DeleteCalls records every deleted key in order.
	DeleteCalls []string
}

var _ blob.Store = (*Store)(nil)

func (s *Store) base() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return "mock://avatar-media"
}

// Upload stores body under key, failing with blob.ErrKeyExists when the key
// is occupied.
func (s *Store) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UploadCalls = append(s.UploadCalls, UploadCall{Key: key, ContentType: contentType, Size: len(body)})
	if s.UploadErr != nil {
		return "", s.UploadErr
	}
	if s.Objects == nil {
		s.Objects = make(map[string][]byte)
	}
	if _, ok := s.Objects[key]; ok {
		return "", fmt.Errorf("upload %s: %w", key, blob.ErrKeyExists)
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	s.Objects[key] = cp
	if s.ContentTypes == nil {
		s.ContentTypes = make(map[string]string)
	}
	s.ContentTypes[key] = contentType
	return s.base() + "/" + key, nil
}

// Download returns the stored payload or blob.ErrNotFound.
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DownloadErr != nil {
		return nil, s.DownloadErr
	}
	body, ok := s.Objects[key]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", key, blob.ErrNotFound)
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	return cp, nil
}

// Delete removes the key. Missing keys are a no-op, like S3.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls = append(s.DeleteCalls, key)
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.Objects, key)
	return nil
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Objects[key]
	return ok, nil
}

// URL returns the public URL for a key.
func (s *Store) URL(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base() + "/" + key
}

// Keys returns the stored keys, for assertions.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.Objects))
	for k := range s.Objects {
		keys = append(keys, k)
	}
	return keys
}

// Reset clears all state and recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Objects = nil
	s.ContentTypes = nil
	s.UploadCalls = nil
	s.DeleteCalls = nil
}
