// Package postgres provides PostgreSQL implementations of the queue stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cmarchant/payhook/internal/queue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// baseRepository holds the kind-independent queue operations. The table and
// column names are package constants, never user input.
type baseRepository struct {
	db         *pgxpool.Pool
	table      string
	doneStatus queue.Status
	doneAtCol  string
}

// Claim transitions the item to processing via conditional update. Besides
// pending items it also takes over processing items whose claim is older than
// ClaimTimeout, so a worker that died mid-item cannot strand it. The UPDATE's
// row lock serializes concurrent claims; the loser re-evaluates the predicate
// against the refreshed updated_at and affects zero rows.
func (r *baseRepository) Claim(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1
		  AND (status = 'pending' OR (status = 'processing' AND updated_at < $2))
	`, r.table)
	result, err := r.db.Exec(ctx, query, id, time.Now().Add(-queue.ClaimTimeout))
	if err != nil {
		return false, fmt.Errorf("claim item: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkProcessed transitions processing -> terminal success.
func (r *baseRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, %s = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, r.table, r.doneAtCol)
	result, err := r.db.Exec(ctx, query, id, r.doneStatus, at)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

// MarkFailed increments attempts and either reschedules or dead-letters.
func (r *baseRepository) MarkFailed(ctx context.Context, id string, cause error, nextRetryAt time.Time) (queue.Status, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead_letter' ELSE 'pending' END,
		    next_retry_at = CASE WHEN attempts + 1 >= max_attempts THEN next_retry_at ELSE $3 END,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING status
	`, r.table)

	var status queue.Status
	err := r.db.QueryRow(ctx, query, id, cause.Error(), nextRetryAt).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", queue.ErrItemNotFound
		}
		return "", fmt.Errorf("mark failed: %w", err)
	}
	return status, nil
}

// Reschedule moves a claimed item back to pending without touching attempts.
func (r *baseRepository) Reschedule(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', next_retry_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, r.table)
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("reschedule item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

// Stats returns per-status item counts.
func (r *baseRepository) Stats(ctx context.Context) (*queue.Stats, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, r.table)
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &queue.Stats{}
	for rows.Next() {
		var status queue.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		switch status {
		case queue.StatusPending:
			stats.Pending = count
		case queue.StatusProcessing:
			stats.Processing = count
		case queue.StatusSent, queue.StatusProcessed:
			stats.Completed += count
		case queue.StatusDeadLetter:
			stats.DeadLetter = count
		}
	}
	return stats, nil
}

// Requeue resets a dead-lettered item to pending with a fresh attempt budget.
func (r *baseRepository) Requeue(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', attempts = 0, next_retry_at = NOW(), last_error = '', updated_at = NOW()
		WHERE id = $1 AND status = 'dead_letter'
	`, r.table)
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue item: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	checkQuery := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, r.table)
	if err := r.db.QueryRow(ctx, checkQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("check item: %w", err)
	}
	if !exists {
		return queue.ErrItemNotFound
	}
	return queue.ErrItemNotDeadLetter
}

func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

// EmailRepository implements queue.Store for the email queue; the payload is
// spread across to_email/subject/body columns so drains can index on
// recipient.
type EmailRepository struct {
	baseRepository
}

// NewEmailRepository creates the email queue store.
func NewEmailRepository(db *pgxpool.Pool) *EmailRepository {
	return &EmailRepository{baseRepository{
		db:         db,
		table:      "email_queue",
		doneStatus: queue.StatusSent,
		doneAtCol:  "sent_at",
	}}
}

// Enqueue inserts a pending email item.
func (r *EmailRepository) Enqueue(ctx context.Context, input queue.EnqueueInput) (string, error) {
	var payload queue.EmailPayload
	if err := json.Unmarshal(input.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode email payload: %w", err)
	}

	metadata, err := marshalMetadata(input.Metadata)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	query := `
		INSERT INTO email_queue (id, to_email, subject, body, status, attempts, max_attempts, next_retry_at, metadata)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7)
	`
	_, err = r.db.Exec(ctx, query, id, payload.To, payload.Subject, payload.Body, input.MaxAttempts, time.Now().Add(input.Delay), metadata)
	if err != nil {
		return "", fmt.Errorf("enqueue email: %w", err)
	}
	return id, nil
}

const emailColumns = `id, to_email, subject, body, status, attempts, max_attempts, next_retry_at, last_error, metadata, created_at, updated_at, sent_at`

func scanEmailItem(row pgx.Row) (*queue.Item, error) {
	var item queue.Item
	var payload queue.EmailPayload
	var metadata []byte
	err := row.Scan(
		&item.ID,
		&payload.To,
		&payload.Subject,
		&payload.Body,
		&item.Status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.NextRetryAt,
		&item.LastError,
		&metadata,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Kind = queue.KindEmail
	if item.Payload, err = json.Marshal(payload); err != nil {
		return nil, fmt.Errorf("encode email payload: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &item, nil
}

// FetchDue returns due pending items plus processing items with an expired
// claim, oldest first.
func (r *EmailRepository) FetchDue(ctx context.Context, limit int, now time.Time) ([]*queue.Item, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM email_queue
		WHERE (status = 'pending' AND next_retry_at <= $1)
		   OR (status = 'processing' AND updated_at < $2)
		ORDER BY created_at
		LIMIT $3
	`, emailColumns)
	return r.queryItems(ctx, query, scanEmailItem, now, now.Add(-queue.ClaimTimeout), limit)
}

// ListDeadLetters returns dead-lettered items, oldest first.
func (r *EmailRepository) ListDeadLetters(ctx context.Context, limit int) ([]*queue.Item, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM email_queue
		WHERE status = 'dead_letter'
		ORDER BY updated_at
		LIMIT $1
	`, emailColumns)
	return r.queryItems(ctx, query, scanEmailItem, limit)
}

func (r *EmailRepository) queryItems(ctx context.Context, query string, scan func(pgx.Row) (*queue.Item, error), args ...any) ([]*queue.Item, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query email items: %w", err)
	}
	defer rows.Close()

	items := make([]*queue.Item, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// WebhookRetryRepository implements queue.Store for the webhook retry queue.
type WebhookRetryRepository struct {
	baseRepository
}

// NewWebhookRetryRepository creates the webhook retry queue store.
func NewWebhookRetryRepository(db *pgxpool.Pool) *WebhookRetryRepository {
	return &WebhookRetryRepository{baseRepository{
		db:         db,
		table:      "webhook_retry_queue",
		doneStatus: queue.StatusProcessed,
		doneAtCol:  "processed_at",
	}}
}

// Enqueue inserts a pending webhook retry item.
func (r *WebhookRetryRepository) Enqueue(ctx context.Context, input queue.EnqueueInput) (string, error) {
	var payload queue.WebhookRetryPayload
	if err := json.Unmarshal(input.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode webhook retry payload: %w", err)
	}

	metadata, err := marshalMetadata(input.Metadata)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	query := `
		INSERT INTO webhook_retry_queue (id, webhook_type, payload, status, attempts, max_attempts, next_retry_at, metadata)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6)
	`
	_, err = r.db.Exec(ctx, query, id, payload.Type, []byte(input.Payload), input.MaxAttempts, time.Now().Add(input.Delay), metadata)
	if err != nil {
		return "", fmt.Errorf("enqueue webhook retry: %w", err)
	}
	return id, nil
}

const webhookRetryColumns = `id, payload, status, attempts, max_attempts, next_retry_at, last_error, metadata, created_at, updated_at, processed_at`

func scanWebhookRetryItem(row pgx.Row) (*queue.Item, error) {
	var item queue.Item
	var payload, metadata []byte
	err := row.Scan(
		&item.ID,
		&payload,
		&item.Status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.NextRetryAt,
		&item.LastError,
		&metadata,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Kind = queue.KindWebhookRetry
	item.Payload = payload
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &item, nil
}

// FetchDue returns due pending items plus processing items with an expired
// claim, oldest first.
func (r *WebhookRetryRepository) FetchDue(ctx context.Context, limit int, now time.Time) ([]*queue.Item, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM webhook_retry_queue
		WHERE (status = 'pending' AND next_retry_at <= $1)
		   OR (status = 'processing' AND updated_at < $2)
		ORDER BY created_at
		LIMIT $3
	`, webhookRetryColumns)
	return r.queryItems(ctx, query, now, now.Add(-queue.ClaimTimeout), limit)
}

// ListDeadLetters returns dead-lettered items, oldest first.
func (r *WebhookRetryRepository) ListDeadLetters(ctx context.Context, limit int) ([]*queue.Item, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM webhook_retry_queue
		WHERE status = 'dead_letter'
		ORDER BY updated_at
		LIMIT $1
	`, webhookRetryColumns)
	return r.queryItems(ctx, query, limit)
}

func (r *WebhookRetryRepository) queryItems(ctx context.Context, query string, args ...any) ([]*queue.Item, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook retry items: %w", err)
	}
	defer rows.Close()

	items := make([]*queue.Item, 0)
	for rows.Next() {
		item, err := scanWebhookRetryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook retry item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
