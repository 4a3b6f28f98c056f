// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinels across component boundaries.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout indicates a bounded operation did not complete in time.
	// The operation is failed-but-retryable, never left pending.
	ErrTimeout = errors.New("timeout")

	// ErrDisconnected indicates the push channel is not connected.
	ErrDisconnected = errors.New("disconnected")

	// ErrUnauthorized indicates an invalid or expired credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a local throttle trip or a server-side 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrLoopDetected indicates the loop guard hard-blocked an operation class.
	ErrLoopDetected = errors.New("loop detected")

	// ErrDataIntegrity indicates a malformed cached record; the entry is
	// discarded and the source treated as absent.
	ErrDataIntegrity = errors.New("data integrity")

	// ErrDisabled indicates the push channel gave up after repeated failures
	// and needs an explicit user enable.
	ErrDisabled = errors.New("disabled")
)

// RateLimitError carries a server-provided retry-after hint alongside
// ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts a server retry-after hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsAuth reports whether err should trigger credential inspection/refresh
// instead of blind retry.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsTransient reports whether err follows the backoff/retry path.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrDisconnected)
}
