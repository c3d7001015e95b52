package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled is returned when a run observed cancellation at a
	// checkpoint (before an attempt or while waiting to retry).
	ErrCancelled = errors.New("task cancelled")
	// ErrDuplicate is returned when a task key is already in flight.
	ErrDuplicate = errors.New("task already in flight")
)

// NoRetry marks an error as non-retryable.
//
// Wrap validation errors or other permanent failures with NoRetry so the
// runner doesn't waste time retrying.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("owner not found: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
//
// Use it when the downstream system returns a Retry-After value (e.g. HTTP
// 429). The runner respects the hint, bounded by Policy.MaxInterval.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// IsCancelled reports whether err is a checkpoint cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
