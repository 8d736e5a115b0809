// Package postgres provides the PostgreSQL implementation of the rate limit store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cmarchant/payhook/internal/ratelimit"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements ratelimit.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL rate limit repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Get returns the counter for key.
func (r *Repository) Get(ctx context.Context, key string) (*ratelimit.Counter, error) {
	query := `
		SELECT key, count, window_start, window_end
		FROM rate_limit_counters
		WHERE key = $1
	`
	var c ratelimit.Counter
	err := r.db.QueryRow(ctx, query, key).Scan(&c.Key, &c.Count, &c.WindowStart, &c.WindowEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ratelimit.ErrCounterNotFound
		}
		return nil, fmt.Errorf("get counter: %w", err)
	}
	return &c, nil
}

// ResetWindow starts a fresh window with count = 1 unless an active window
// is already stored for the key.
func (r *Repository) ResetWindow(ctx context.Context, key string, start, end time.Time) (*ratelimit.Counter, bool, error) {
	query := `
		INSERT INTO rate_limit_counters (key, count, window_start, window_end)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET count = 1, window_start = EXCLUDED.window_start, window_end = EXCLUDED.window_end
		WHERE rate_limit_counters.window_end <= EXCLUDED.window_start
		RETURNING key, count, window_start, window_end
	`
	var c ratelimit.Counter
	err := r.db.QueryRow(ctx, query, key, start, end).Scan(&c.Key, &c.Count, &c.WindowStart, &c.WindowEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict row holds an active window; reset did not apply.
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reset window: %w", err)
	}
	return &c, true, nil
}

// CompareAndIncrement bumps the count only if it still equals expected and
// the window is still active.
func (r *Repository) CompareAndIncrement(ctx context.Context, key string, expected int64, now time.Time) (bool, error) {
	query := `
		UPDATE rate_limit_counters
		SET count = count + 1
		WHERE key = $1 AND count = $2 AND window_end > $3
	`
	result, err := r.db.Exec(ctx, query, key, expected, now)
	if err != nil {
		return false, fmt.Errorf("compare and increment: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ConditionalIncrement bumps the count while it is below limit and the
// window is still active.
func (r *Repository) ConditionalIncrement(ctx context.Context, key string, limit int64, now time.Time) (*ratelimit.Counter, bool, error) {
	query := `
		UPDATE rate_limit_counters
		SET count = count + 1
		WHERE key = $1 AND count < $2 AND window_end > $3
		RETURNING key, count, window_start, window_end
	`
	var c ratelimit.Counter
	err := r.db.QueryRow(ctx, query, key, limit, now).Scan(&c.Key, &c.Count, &c.WindowStart, &c.WindowEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("conditional increment: %w", err)
	}
	return &c, true, nil
}
