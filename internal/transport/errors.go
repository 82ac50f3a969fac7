package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidThread means the targeted thread id is stale (deleted/closed).
	// Callers should invalidate the cached id and retry untargeted.
	ErrInvalidThread = errors.New("transport: invalid thread")

	// ErrBlocked means the recipient permanently refuses messages.
	ErrBlocked = errors.New("transport: recipient blocked")

	// ErrThreadsUnsupported means the chat cannot host sub-threads at all
	// (feature disabled or insufficient rights). Not a send failure.
	ErrThreadsUnsupported = errors.New("transport: threads unsupported")
)

// RateLimited wraps err with a server-supplied retry delay.
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		err = errors.New("rate limited")
	}
	if after < 0 {
		after = 0
	}
	return rateLimitedError{err: err, after: after}
}

// RateLimitedError is implemented by errors that carry an explicit retry delay.
type RateLimitedError interface {
	error
	RetryAfter() time.Duration
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string             { return fmt.Sprintf("rate limited (retry after %s): %v", e.after, e.err) }
func (e rateLimitedError) Unwrap() error             { return e.err }
func (e rateLimitedError) RetryAfter() time.Duration { return e.after }

// RetryAfterOf extracts the retry delay from a rate-limited error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter(), true
	}
	return 0, false
}
