// Package queue provides the durable retry queue engine shared by the email
// and webhook-retry queues.
//
// One engine drives both queue kinds: the state machine, claim/mark
// operations and drain loop are generic, while payload shape, backoff curve
// and rate limit buckets are supplied per kind.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status represents the state of a queue item.
type Status string

// Queue item statuses. Sent and Processed are the kind-specific terminal
// success states; DeadLetter is terminal failure and requires manual
// intervention.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusProcessed  Status = "processed"
	StatusDeadLetter Status = "dead_letter"
)

// Kind identifies a queue.
type Kind string

// Queue kinds.
const (
	KindEmail        Kind = "email"
	KindWebhookRetry Kind = "webhook_retry"
)

// Store errors.
var (
	ErrItemNotFound      = errors.New("queue item not found")
	ErrItemNotDeadLetter = errors.New("queue item is not dead-lettered")
)

// ClaimTimeout is how long a processing claim stays valid. A worker that
// claimed an item but never wrote a terminal state (crash, lost connection)
// holds the claim until the timeout lapses, after which any drain cycle may
// reclaim the item.
const ClaimTimeout = 5 * time.Minute

// Item is one queued unit of work. Items are never deleted; they only move
// to a terminal state so the table doubles as an audit trail.
type Item struct {
	ID          string
	Kind        Kind
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	LastError   string
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// EnqueueInput describes a new queue item.
type EnqueueInput struct {
	Payload     json.RawMessage
	MaxAttempts int
	Delay       time.Duration
	Metadata    map[string]string
}

// Stats holds per-status item counts for one queue.
type Stats struct {
	Pending    int64
	Processing int64
	Completed  int64
	DeadLetter int64
}

// Store is the durable table behind one queue kind. All mutations that must
// be exclusive use conditional updates, which is what keeps concurrent drain
// cycles correct without coordination.
type Store interface {
	// Enqueue inserts a pending item with next_retry_at = now + delay.
	Enqueue(ctx context.Context, input EnqueueInput) (string, error)

	// FetchDue returns up to limit due items, oldest first: pending items
	// with next_retry_at <= now, plus processing items whose claim is older
	// than ClaimTimeout.
	FetchDue(ctx context.Context, limit int, now time.Time) ([]*Item, error)

	// Claim transitions the item to processing. It succeeds for pending
	// items and for processing items whose claim has outlived ClaimTimeout.
	// Returns false when another worker holds a live claim.
	Claim(ctx context.Context, id string) (bool, error)

	// MarkProcessed transitions processing -> terminal success.
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// MarkFailed increments attempts and either reschedules the item for
	// nextRetryAt or, once attempts reach max_attempts, dead-letters it.
	// Returns the resulting status.
	MarkFailed(ctx context.Context, id string, cause error, nextRetryAt time.Time) (Status, error)

	// Reschedule moves a claimed item back to pending for the given time
	// without touching attempts. Rate-limit backoff is scheduling, not
	// failure.
	Reschedule(ctx context.Context, id string, at time.Time) error

	// Stats returns per-status counts.
	Stats(ctx context.Context) (*Stats, error)

	// ListDeadLetters returns up to limit dead-lettered items, oldest first.
	ListDeadLetters(ctx context.Context, limit int) ([]*Item, error)

	// Requeue resets a dead-lettered item to pending with a fresh attempt
	// budget. Operator action only.
	Requeue(ctx context.Context, id string) error
}
