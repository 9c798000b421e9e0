// Package apperr defines the typed error kinds that cross component
// boundaries: handlers map kinds onto HTTP statuses, runners record them on
// failed job rows, and the mediator turns them into close codes.
//
// Kinds classify failures; the wrapped cause keeps the original error chain
// intact for errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"

	"github.com/visage-ai/visage/pkg/types"
)

// Kind enumerates the failure classes.
type Kind int

const (
	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = iota

	// KindValidation rejects malformed caller input.
	KindValidation

	// KindUnauthorized rejects missing or invalid credentials.
	KindUnauthorized

	// KindQuotaExceeded rejects work that would exceed a usage limit.
	KindQuotaExceeded

	// KindAvatarNotFound means the referenced avatar row does not exist.
	KindAvatarNotFound

	// KindAvatarIncomplete means the avatar lacks an artifact the pipeline needs.
	KindAvatarIncomplete

	// KindUpstreamUnavailable means a dependency could not be reached.
	KindUpstreamUnavailable

	// KindUpstreamRejected means a dependency answered with a non-2xx.
	KindUpstreamRejected

	// KindVoiceSynthFailed means speech synthesis failed for a chunk.
	KindVoiceSynthFailed

	// KindVideoEnqueueFailed means the render task could not be enqueued.
	KindVideoEnqueueFailed

	// KindPollTimeout means the render did not finish within the poll window.
	KindPollTimeout

	// KindAssembleFailed means audio chunk concatenation failed.
	KindAssembleFailed

	// KindStorageUploadFailed means an object-store write failed.
	KindStorageUploadFailed

	// KindStoreError means a persistence operation failed.
	KindStoreError

	// KindWorkerAuthFailed rejects a callback with a bad worker token.
	KindWorkerAuthFailed
)

// String returns the stable machine name of the kind, used in job rows,
// log attributes, and API error bodies.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_failed"
	case KindUnauthorized:
		return "unauthorized"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindAvatarNotFound:
		return "avatar_not_found"
	case KindAvatarIncomplete:
		return "avatar_incomplete"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindVoiceSynthFailed:
		return "voice_synth_failed"
	case KindVideoEnqueueFailed:
		return "video_enqueue_failed"
	case KindPollTimeout:
		return "poll_timeout"
	case KindAssembleFailed:
		return "assemble_failed"
	case KindStorageUploadFailed:
		return "storage_upload_failed"
	case KindStoreError:
		return "store_error"
	case KindWorkerAuthFailed:
		return "worker_auth_failed"
	default:
		return "internal"
	}
}

// Error is a classified failure. The zero Kind is KindInternal.
type Error struct {
	Kind    Kind
	Message string

	// Field names the offending input for KindValidation.
	Field string

	// Resource, Used and Limit are set for KindQuotaExceeded.
	Resource types.Resource
	Used     float64
	Limit    float64

	// Service names the dependency for the upstream kinds.
	Service string

	// ChunkIndex is the zero-based failing chunk for KindVoiceSynthFailed,
	// or -1 when synthesis was not chunked.
	ChunkIndex int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, ChunkIndex: -1}
}

// Wrap classifies an existing error. A nil cause yields a plain New.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, ChunkIndex: -1, cause: cause}
}

// Validation rejects a single named field.
func Validation(field, reason string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: reason, ChunkIndex: -1}
}

// QuotaExceeded carries the counter pre-image so callers can report
// used/limit/remaining without a second read.
func QuotaExceeded(resource types.Resource, used, limit float64) *Error {
	return &Error{
		Kind:       KindQuotaExceeded,
		Message:    fmt.Sprintf("%s quota exceeded", resource),
		Resource:   resource,
		Used:       used,
		Limit:      limit,
		ChunkIndex: -1,
	}
}

// Upstream classifies a dependency failure as unavailable (unreachable) or
// rejected (reachable, answered non-2xx) based on whether a response body
// was obtained.
func Upstream(service string, rejected bool, cause error) *Error {
	kind := KindUpstreamUnavailable
	if rejected {
		kind = KindUpstreamRejected
	}
	return &Error{Kind: kind, Service: service, Message: service + " request failed", ChunkIndex: -1, cause: cause}
}

// VoiceSynth records which chunk of the plan failed. index -1 means the
// request was not chunked.
func VoiceSynth(index int, cause error) *Error {
	msg := "speech synthesis failed"
	if index >= 0 {
		msg = fmt.Sprintf("speech synthesis failed at chunk %d", index)
	}
	return &Error{Kind: KindVoiceSynthFailed, Message: msg, ChunkIndex: index, cause: cause}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the chain contains a classified error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// AsError returns the first classified error in the chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
