// Package postgres provides the PostgreSQL implementation of the orders repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cmarchant/payhook/internal/domain"
	"github.com/cmarchant/payhook/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements the orders.Repository interface using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const orderColumns = `id, status, customer_email, ticket_count, amount_total, amount_refunded,
	stripe_session_id, stripe_payment_intent_id, checkout_session_id, paid_at, created_at, updated_at`

func (r *Repository) getBy(ctx context.Context, column, value string) (*domain.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s = $1`, orderColumns, column)

	var order domain.Order
	err := r.db.QueryRow(ctx, query, value).Scan(
		&order.ID,
		&order.Status,
		&order.CustomerEmail,
		&order.TicketCount,
		&order.AmountTotal,
		&order.AmountRefunded,
		&order.StripeSessionID,
		&order.StripePaymentIntentID,
		&order.CheckoutSessionID,
		&order.PaidAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orders.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by %s: %w", column, err)
	}
	return &order, nil
}

// GetBySessionID retrieves an order by the provider session id.
func (r *Repository) GetBySessionID(ctx context.Context, sessionID string) (*domain.Order, error) {
	return r.getBy(ctx, "stripe_session_id", sessionID)
}

// GetByCheckoutSessionID retrieves an order by the checkout session id
// carried in provider metadata.
func (r *Repository) GetByCheckoutSessionID(ctx context.Context, checkoutSessionID string) (*domain.Order, error) {
	return r.getBy(ctx, "checkout_session_id", checkoutSessionID)
}

// GetByPaymentIntentID retrieves an order by the provider payment intent id.
func (r *Repository) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Order, error) {
	return r.getBy(ctx, "stripe_payment_intent_id", paymentIntentID)
}

// MarkPaid performs the conditional pending->paid transition. The WHERE
// clause is the idempotency guard: only one delivery can move the row.
func (r *Repository) MarkPaid(ctx context.Context, orderID string) (bool, error) {
	query := `
		UPDATE orders
		SET status = 'paid', paid_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, orderID)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyRefund records the refund token and increments the refunded amount in
// a single transaction. The unique refund_token index makes replays report
// already_applied; the amount guard on the update reports nothing_left when
// the order is fully refunded.
func (r *Repository) ApplyRefund(ctx context.Context, input orders.ApplyRefundInput) (orders.RefundOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO order_refunds (refund_token, order_id, amount, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (refund_token) DO NOTHING
	`, input.RefundToken, input.OrderID, input.Amount, input.Reason)
	if err != nil {
		return "", fmt.Errorf("record refund token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Token already recorded by an earlier delivery.
		return orders.RefundAlreadyApplied, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE orders
		SET amount_refunded = amount_refunded + $2,
		    status = CASE WHEN amount_refunded + $2 >= amount_total THEN 'refunded' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND amount_refunded + $2 <= amount_total
	`, input.OrderID, input.Amount)
	if err != nil {
		return "", fmt.Errorf("apply refund amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Rolls back the token insert too, so a corrected retry can land.
		return orders.RefundNothingLeft, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit refund tx: %w", err)
	}
	return orders.RefundApplied, nil
}
