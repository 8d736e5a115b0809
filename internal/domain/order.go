// Package domain contains shared domain types.
package domain

import "time"

// OrderStatus represents the payment status of an order.
type OrderStatus string

// Order statuses.
const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusRefunded OrderStatus = "refunded"
)

// Order is a ticket order. The row is owned by the storefront; this service
// mutates status/paid_at only through conditional updates and tracks refund
// accounting against it.
type Order struct {
	ID                    string
	Status                OrderStatus
	CustomerEmail         string
	TicketCount           int
	AmountTotal           int64 // smallest currency unit
	AmountRefunded        int64
	StripeSessionID       string
	StripePaymentIntentID string
	CheckoutSessionID     string
	PaidAt                *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Refundable returns how much of the order total is still refundable.
func (o *Order) Refundable() int64 {
	left := o.AmountTotal - o.AmountRefunded
	if left < 0 {
		return 0
	}
	return left
}
