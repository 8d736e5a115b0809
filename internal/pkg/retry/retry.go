// Package retry provides a generic retry-with-backoff executor for fallible calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// Config controls retry behavior for a single Do call.
type Config struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int
	// Schedule holds the delay before each retry. The last entry is reused
	// for any attempt beyond the schedule length.
	Schedule []time.Duration
	// Jitter perturbs every delay by up to ±20% to avoid synchronized
	// retry storms across concurrent callers.
	Jitter bool
	// Retryable decides whether an error is worth another attempt.
	// Nil means DefaultRetryable.
	Retryable func(error) bool
}

// DefaultConfig returns the retry configuration used for downstream calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Schedule:    []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// Do executes op, retrying on retryable failures according to cfg.
// Non-retryable errors are returned immediately; exhausting all attempts
// returns the last error.
func Do(ctx context.Context, cfg Config, op func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	retryable := cfg.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !retryable(lastErr) {
			return lastErr
		}

		if attempt == attempts {
			break
		}

		if !sleep(ctx, cfg.delay(attempt)) {
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}

	return lastErr
}

// delay returns the wait before the retry following the given attempt (1-based).
func (c Config) delay(attempt int) time.Duration {
	if len(c.Schedule) == 0 {
		return time.Second
	}

	idx := attempt - 1
	if idx >= len(c.Schedule) {
		idx = len(c.Schedule) - 1
	}
	d := c.Schedule[idx]

	if c.Jitter {
		// ±20%
		factor := 0.8 + 0.4*rand.Float64()
		d = time.Duration(float64(d) * factor)
	}

	return d
}

// sleep waits for duration or context cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// statusCoder is implemented by errors carrying an HTTP status code.
type statusCoder interface {
	StatusCode() int
}

// retryableMarker is implemented by errors that classify themselves.
type retryableMarker interface {
	IsRetryable() bool
}

// DefaultRetryable retries server-class and network/timeout errors and never
// client-class errors. Errors that classify themselves win.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	var marker retryableMarker
	if errors.As(err, &marker) {
		return marker.IsRetryable()
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 500 || code == 0
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// Default: retry unknown errors
	return true
}

// Error wraps an error with an explicit retryable classification.
type Error struct {
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent marks an error as not worth retrying.
func Permanent(err error) *Error {
	return &Error{Err: err, Retryable: false}
}

// Transient marks an error as retryable.
func Transient(err error) *Error {
	return &Error{Err: err, Retryable: true}
}
