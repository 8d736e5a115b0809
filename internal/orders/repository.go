package orders

import (
	"context"
	"errors"

	"github.com/cmarchant/payhook/internal/domain"
)

// ErrOrderNotFound is returned when no order matches any provider identifier.
var ErrOrderNotFound = errors.New("order not found")

// RefundOutcome describes what a refund application did.
type RefundOutcome string

// Refund outcomes.
const (
	RefundApplied        RefundOutcome = "applied"
	RefundAlreadyApplied RefundOutcome = "already_applied"
	RefundNothingLeft    RefundOutcome = "nothing_left"
)

// ApplyRefundInput holds the data for one refund application.
type ApplyRefundInput struct {
	OrderID     string
	RefundToken string
	Amount      int64
	Reason      string
}

// Repository defines the interface for order storage.
type Repository interface {
	GetBySessionID(ctx context.Context, sessionID string) (*domain.Order, error)
	GetByCheckoutSessionID(ctx context.Context, checkoutSessionID string) (*domain.Order, error)
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Order, error)

	// MarkPaid transitions the order from pending to paid. Returns false when
	// the order was not pending (another delivery already won).
	MarkPaid(ctx context.Context, orderID string) (bool, error)

	// ApplyRefund records the refund token and increments the refunded amount
	// in one transaction.
	ApplyRefund(ctx context.Context, input ApplyRefundInput) (RefundOutcome, error)
}
