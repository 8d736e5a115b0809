// Package ratelimit provides durable fixed-window rate limiting backed by a store.
//
// Counters live in the database, not in memory: webhook deliveries and drain
// cycles are independent invocations and may run concurrently, so the "at
// most N per window" guarantee has to survive with no in-process state.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Repository errors.
var (
	ErrCounterNotFound = errors.New("rate limit counter not found")
	ErrContention      = errors.New("rate limit counter contention")
)

// Counter is one fixed-window counter row.
type Counter struct {
	Key         string
	Count       int64
	WindowStart time.Time
	WindowEnd   time.Time
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Repository defines the durable counter operations.
type Repository interface {
	// Get returns the counter for key, or ErrCounterNotFound.
	Get(ctx context.Context, key string) (*Counter, error)

	// ResetWindow starts a fresh window with count = 1, but only if no
	// counter exists or the stored window has expired. Returns the written
	// counter and whether the reset applied.
	ResetWindow(ctx context.Context, key string, start, end time.Time) (*Counter, bool, error)

	// CompareAndIncrement bumps the count by one only if it still equals
	// expected and the window is still active. Returns whether the write
	// applied.
	CompareAndIncrement(ctx context.Context, key string, expected int64, now time.Time) (bool, error)

	// ConditionalIncrement bumps the count by one only while count < limit
	// and the window is still active. Used as the contention fallback; the
	// row-level condition keeps the guarantee without optimistic retries.
	ConditionalIncrement(ctx context.Context, key string, limit int64, now time.Time) (*Counter, bool, error)
}

// Service answers "is this key within budget right now".
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a rate limit service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// casAttempts bounds the optimistic loop before falling back to the
// conditional increment.
const casAttempts = 3

// Check records one operation against key and reports whether it is within
// limit for the current window. Concurrent callers never overshoot the limit.
func (s *Service) Check(ctx context.Context, key string, limit int64, window time.Duration) (*Result, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit for %q must be positive, got %d", key, limit)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		now := s.now()

		counter, err := s.repo.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrCounterNotFound) {
			return nil, fmt.Errorf("get counter: %w", err)
		}

		if err != nil || !now.Before(counter.WindowEnd) {
			// No counter, or the window has expired: start a fresh one.
			fresh, applied, resetErr := s.repo.ResetWindow(ctx, key, now, now.Add(window))
			if resetErr != nil {
				return nil, fmt.Errorf("reset window: %w", resetErr)
			}
			if !applied {
				// Another caller kept or started an active window.
				continue
			}
			recordDecision(key, "allowed")
			return &Result{Allowed: true, Remaining: limit - fresh.Count, ResetAt: fresh.WindowEnd}, nil
		}

		if counter.Count >= limit {
			recordDecision(key, "denied")
			return &Result{Allowed: false, Remaining: 0, ResetAt: counter.WindowEnd}, nil
		}

		applied, err := s.repo.CompareAndIncrement(ctx, key, counter.Count, now)
		if err != nil {
			return nil, fmt.Errorf("increment counter: %w", err)
		}
		if applied {
			recordDecision(key, "allowed")
			return &Result{Allowed: true, Remaining: limit - counter.Count - 1, ResetAt: counter.WindowEnd}, nil
		}
		// Lost the race: re-read and recompute.
	}

	return s.checkConditional(ctx, key, limit)
}

// checkConditional is the contention fallback: a single conditional increment
// whose row-level predicate enforces the limit without optimistic retries.
func (s *Service) checkConditional(ctx context.Context, key string, limit int64) (*Result, error) {
	now := s.now()

	counter, applied, err := s.repo.ConditionalIncrement(ctx, key, limit, now)
	if err != nil {
		return nil, fmt.Errorf("conditional increment: %w", err)
	}
	if applied {
		recordDecision(key, "allowed")
		return &Result{Allowed: true, Remaining: limit - counter.Count, ResetAt: counter.WindowEnd}, nil
	}

	counter, err = s.repo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("re-read counter: %w", err)
	}
	if !now.Before(counter.WindowEnd) {
		// Window rolled over mid-check; too contended to decide.
		return nil, ErrContention
	}

	recordDecision(key, "denied")
	return &Result{Allowed: false, Remaining: 0, ResetAt: counter.WindowEnd}, nil
}
