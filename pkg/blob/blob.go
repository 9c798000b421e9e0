// Package blob abstracts the object store that holds avatar media and
// generated artifacts. The production implementation targets S3-compatible
// services; tests use the in-memory mock.
package blob

import (
	"context"
	"errors"
)

// ErrKeyExists is returned by Upload when the destination key is already
// occupied. Artifact keys embed a millisecond timestamp precisely so that
// retries never silently overwrite an earlier result.
var ErrKeyExists = errors.New("blob: key already exists")

// ErrNotFound is returned by Download when the key does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Store is the object-store contract the pipelines depend on.
type Store interface {
	// Upload writes body under key and returns the public URL of the new
	// object. It fails with ErrKeyExists if the key is already present.
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)

	// Download returns the full object payload, or ErrNotFound.
	Download(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// URL returns the public URL an uploaded key is served from.
	URL(key string) string
}
