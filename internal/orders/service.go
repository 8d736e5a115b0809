package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/cmarchant/payhook/internal/domain"
	"github.com/cmarchant/payhook/internal/pkg/ctxlog"
)

// Service implements order transition business logic.
type Service struct {
	repo Repository
}

// NewService creates a new order service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// PaymentReference carries the provider identifiers available on a payment
// event. Any subset may be empty; resolution tries them in order.
type PaymentReference struct {
	SessionID         string
	CheckoutSessionID string
	PaymentIntentID   string
}

// ConfirmResult reports how a payment confirmation landed.
type ConfirmResult struct {
	Order *domain.Order
	// Transitioned is true when this call performed the pending->paid
	// update. False means the order was already paid, either before the
	// call or by a concurrent delivery.
	Transitioned bool
}

// RefundInput holds the provider-side refund data.
type RefundInput struct {
	PaymentIntentID string
	RefundToken     string
	Amount          int64
	Reason          string
}

// RefundResult reports how a refund application landed.
type RefundResult struct {
	Order   *domain.Order
	Outcome RefundOutcome
}

// ConfirmPayment resolves the order referenced by a payment event and
// transitions it to paid exactly once. Duplicate and concurrent deliveries
// resolve to a no-op success.
func (s *Service) ConfirmPayment(ctx context.Context, ref PaymentReference) (*ConfirmResult, error) {
	order, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	if order.Status != domain.OrderStatusPending {
		recordTransition("noop")
		ctxlog.FromContext(ctx).Info("order already settled, skipping transition",
			"order_id", order.ID,
			"status", order.Status,
		)
		return &ConfirmResult{Order: order, Transitioned: false}, nil
	}

	updated, err := s.repo.MarkPaid(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}

	if !updated {
		// Lost the race to a concurrent delivery of the same payment.
		recordTransition("noop")
		ctxlog.FromContext(ctx).Info("concurrent delivery won the transition", "order_id", order.ID)
		return &ConfirmResult{Order: order, Transitioned: false}, nil
	}

	recordTransition("paid")
	ctxlog.FromContext(ctx).Info("order marked paid", "order_id", order.ID)

	return &ConfirmResult{Order: order, Transitioned: true}, nil
}

// ApplyRefund applies a provider refund to the order identified by its
// payment intent. The refund token makes the operation idempotent: replaying
// the same refund event reports already_applied without touching the order.
func (s *Service) ApplyRefund(ctx context.Context, input RefundInput) (*RefundResult, error) {
	if input.RefundToken == "" {
		return nil, errors.New("refund token is required")
	}
	if input.Amount <= 0 {
		return nil, fmt.Errorf("invalid refund amount: %d", input.Amount)
	}

	order, err := s.repo.GetByPaymentIntentID(ctx, input.PaymentIntentID)
	if err != nil {
		return nil, err
	}

	outcome, err := s.repo.ApplyRefund(ctx, ApplyRefundInput{
		OrderID:     order.ID,
		RefundToken: input.RefundToken,
		Amount:      input.Amount,
		Reason:      input.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("apply refund: %w", err)
	}

	recordRefund(string(outcome))
	ctxlog.FromContext(ctx).Info("refund processed",
		"order_id", order.ID,
		"refund_token", input.RefundToken,
		"amount", input.Amount,
		"outcome", outcome,
	)

	return &RefundResult{Order: order, Outcome: outcome}, nil
}

// resolve tries each available provider identifier until an order matches.
func (s *Service) resolve(ctx context.Context, ref PaymentReference) (*domain.Order, error) {
	lookups := []struct {
		id string
		fn func(context.Context, string) (*domain.Order, error)
	}{
		{ref.SessionID, s.repo.GetBySessionID},
		{ref.CheckoutSessionID, s.repo.GetByCheckoutSessionID},
		{ref.PaymentIntentID, s.repo.GetByPaymentIntentID},
	}

	for _, lookup := range lookups {
		if lookup.id == "" {
			continue
		}
		order, err := lookup.fn(ctx, lookup.id)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
	}

	return nil, ErrOrderNotFound
}
