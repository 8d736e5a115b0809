package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cmarchant/payhook/internal/domain"
	"github.com/cmarchant/payhook/internal/fulfillment"
	"github.com/cmarchant/payhook/internal/orders"
	"github.com/cmarchant/payhook/internal/pkg/ctxlog"
	"github.com/cmarchant/payhook/internal/queue"
)

// OrderService performs the idempotent order transitions.
type OrderService interface {
	ConfirmPayment(ctx context.Context, ref orders.PaymentReference) (*orders.ConfirmResult, error)
	ApplyRefund(ctx context.Context, input orders.RefundInput) (*orders.RefundResult, error)
}

// Dispatcher invokes the fulfillment collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, request fulfillment.Request) error
}

// Enqueuer adds an item to a retry queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, input queue.EnqueueInput) (string, error)
}

// Processor routes classified events into order transitions, fulfillment
// dispatch and queue fallbacks.
type Processor struct {
	orders     OrderService
	dispatcher Dispatcher
	retryQueue Enqueuer
	emailQueue Enqueuer
}

// NewProcessor creates the event processor.
func NewProcessor(orderService OrderService, dispatcher Dispatcher, retryQueue, emailQueue Enqueuer) *Processor {
	return &Processor{
		orders:     orderService,
		dispatcher: dispatcher,
		retryQueue: retryQueue,
		emailQueue: emailQueue,
	}
}

// Process handles one verified event. A nil return acknowledges the delivery;
// an error tells the provider to redeliver. Everything after the financial
// transition is fallible without failing the delivery.
func (p *Processor) Process(ctx context.Context, env *Envelope) error {
	switch env.Type {
	case EventCheckoutCompleted:
		var session CheckoutSession
		if err := json.Unmarshal(env.Data.Object, &session); err != nil {
			recordEvent(string(env.Type), "malformed")
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return p.confirm(ctx, env, orders.PaymentReference{
			SessionID:         session.ID,
			CheckoutSessionID: session.Metadata[metadataCheckoutSession],
			PaymentIntentID:   session.PaymentIntent,
		})

	case EventPaymentSucceeded:
		var intent PaymentIntent
		if err := json.Unmarshal(env.Data.Object, &intent); err != nil {
			recordEvent(string(env.Type), "malformed")
			return fmt.Errorf("decode payment intent: %w", err)
		}
		return p.confirm(ctx, env, orders.PaymentReference{
			CheckoutSessionID: intent.Metadata[metadataCheckoutSession],
			PaymentIntentID:   intent.ID,
		})

	case EventChargeRefunded:
		var charge Charge
		if err := json.Unmarshal(env.Data.Object, &charge); err != nil {
			recordEvent(string(env.Type), "malformed")
			return fmt.Errorf("decode charge: %w", err)
		}
		return p.refund(ctx, env, charge)

	default:
		recordEvent(string(env.Type), "unhandled")
		ctxlog.FromContext(ctx).Info("unhandled event type acknowledged",
			"event_id", env.ID,
			"event_type", env.Type,
		)
		return nil
	}
}

func (p *Processor) confirm(ctx context.Context, env *Envelope, ref orders.PaymentReference) error {
	logger := ctxlog.FromContext(ctx).With("event_id", env.ID, "event_type", env.Type)

	result, err := p.orders.ConfirmPayment(ctx, ref)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			// The session may belong to a purchase flow this consumer
			// does not own. Acknowledge so the provider stops retrying.
			recordEvent(string(env.Type), "not_found")
			logger.Info("no matching order, acknowledging")
			return nil
		}
		recordEvent(string(env.Type), "error")
		return err
	}

	if !result.Transitioned {
		recordEvent(string(env.Type), "duplicate")
		return nil
	}

	recordEvent(string(env.Type), "paid")

	// The order is paid from here on. Fulfillment failures queue a replay
	// instead of failing the delivery; rolling back a payment over a
	// fulfillment hiccup would risk double-charging on redelivery.
	request := fulfillment.Request{
		SessionID:       ref.SessionID,
		PaymentIntentID: ref.PaymentIntentID,
		OrderID:         result.Order.ID,
	}
	if err := p.dispatcher.Dispatch(ctx, request); err != nil {
		logger.Error("fulfillment dispatch failed, queueing replay", "order_id", result.Order.ID, "error", err)
		p.queueReplay(ctx, request, err)
	}

	return nil
}

func (p *Processor) refund(ctx context.Context, env *Envelope, charge Charge) error {
	logger := ctxlog.FromContext(ctx).With("event_id", env.ID, "event_type", env.Type)

	for _, refund := range charge.Refunds.Data {
		result, err := p.orders.ApplyRefund(ctx, orders.RefundInput{
			PaymentIntentID: charge.PaymentIntent,
			RefundToken:     refund.ID,
			Amount:          refund.Amount,
			Reason:          refund.Reason,
		})
		if err != nil {
			if errors.Is(err, orders.ErrOrderNotFound) {
				recordEvent(string(env.Type), "not_found")
				logger.Info("refund for unknown order, acknowledging", "refund_token", refund.ID)
				return nil
			}
			recordEvent(string(env.Type), "error")
			return err
		}

		recordEvent(string(env.Type), string(result.Outcome))

		if result.Outcome == orders.RefundApplied {
			p.queueRefundEmail(ctx, result.Order, refund)
		}
	}

	return nil
}

// queueReplay enqueues a fulfillment replay. Enqueue failure is logged only;
// the payment transition already happened and must be acknowledged.
func (p *Processor) queueReplay(ctx context.Context, request fulfillment.Request, cause error) {
	payload, err := json.Marshal(queue.WebhookRetryPayload{
		Type:            queue.WebhookRetryFulfillment,
		SessionID:       request.SessionID,
		PaymentIntentID: request.PaymentIntentID,
		OrderID:         request.OrderID,
	})
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to encode replay payload", "error", err)
		return
	}

	id, err := p.retryQueue.Enqueue(ctx, queue.EnqueueInput{
		Payload:     payload,
		MaxAttempts: 5,
		Metadata:    map[string]string{"cause": cause.Error()},
	})
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to enqueue fulfillment replay",
			"order_id", request.OrderID,
			"error", err,
		)
		return
	}
	ctxlog.FromContext(ctx).Info("fulfillment replay queued", "order_id", request.OrderID, "item_id", id)
}

// queueRefundEmail enqueues the refund confirmation. Best effort: a failure
// here never fails the webhook response.
func (p *Processor) queueRefundEmail(ctx context.Context, order *domain.Order, refund Refund) {
	payload, err := json.Marshal(queue.EmailPayload{
		To:      order.CustomerEmail,
		Subject: "Your refund has been processed",
		Body: fmt.Sprintf("A refund of %d was applied to order %s (reference %s).",
			refund.Amount, order.ID, refund.ID),
	})
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to encode refund email payload", "error", err)
		return
	}

	if _, err := p.emailQueue.Enqueue(ctx, queue.EnqueueInput{
		Payload:     payload,
		MaxAttempts: 3,
		Metadata:    map[string]string{"refund_token": refund.ID, "order_id": order.ID},
	}); err != nil {
		ctxlog.FromContext(ctx).Error("failed to enqueue refund confirmation email",
			"order_id", order.ID,
			"error", err,
		)
	}
}

// ReplayFulfillment re-runs a queued fulfillment dispatch. Wired as the
// webhook-retry drainer's send function.
func (p *Processor) ReplayFulfillment(ctx context.Context, payload queue.WebhookRetryPayload) error {
	if payload.Type != queue.WebhookRetryFulfillment {
		return fmt.Errorf("unknown replay type: %s", payload.Type)
	}
	return p.dispatcher.Dispatch(ctx, fulfillment.Request{
		SessionID:       payload.SessionID,
		PaymentIntentID: payload.PaymentIntentID,
		OrderID:         payload.OrderID,
	})
}
