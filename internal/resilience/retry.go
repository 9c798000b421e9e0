package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// permanentError marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that [Retry] stops immediately instead of burning
// the remaining attempts. Use it for upstream rejections that will not
// change on a resend (4xx validation failures, auth errors).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs fn up to attempts times, sleeping delay between attempts.
// It stops early when fn succeeds, when fn returns a [Permanent] error, or
// when ctx is done. The returned error is the last failure, unwrapped from
// its permanent marker if present.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("resilience: retry aborted after %d attempts: %w", i, ctx.Err())
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var p *permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
