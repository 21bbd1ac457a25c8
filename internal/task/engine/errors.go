package engine

import (
	"errors"
	"time"
)

var (
	ErrStopped     = errors.New("job engine stopped")
	ErrQueueFull   = errors.New("job engine queue full")
	ErrCircuitOpen = errors.New("job skipped: circuit breaker open")
	ErrStale       = errors.New("job dropped: waited too long in queue")
)

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// retryHint wraps a job error with instructions for the retry loop.
// A permanent hint ends the job; otherwise after is the suggested delay.
type retryHint struct {
	err       error
	permanent bool
	after     time.Duration
}

func (h retryHint) Error() string { return h.err.Error() }
func (h retryHint) Unwrap() error { return h.err }

// NoRetry marks err as permanent, e.g. a 4xx answer from the fetch backend.
// The engine reports the unwrapped error in Result.Err.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return retryHint{err: err, permanent: true}
}

// RetryAfter suggests a delay before the next attempt (e.g. from an HTTP 429
// Retry-After header). The delay is capped by RetryMaxDelay and jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterHint{retryHint{err: err, after: max(after, 0)}}
}

type retryAfterHint struct{ retryHint }

func (h retryAfterHint) RetryAfter() time.Duration { return h.after }

// IsNoRetry reports whether err carries a NoRetry mark.
func IsNoRetry(err error) bool {
	h, ok := hintOf(err)
	return ok && h.permanent
}

func hintOf(err error) (retryHint, bool) {
	var h retryHint
	if errors.As(err, &h) {
		return h, true
	}
	var ra retryAfterHint
	if errors.As(err, &ra) {
		return ra.retryHint, true
	}
	return retryHint{}, false
}
