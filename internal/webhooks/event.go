package webhooks

import (
	"encoding/json"
	"fmt"
)

// EventType is the provider's declared event type.
type EventType string

// Event types the router acts on. Anything else is acknowledged unhandled.
const (
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventPaymentSucceeded  EventType = "payment_intent.succeeded"
	EventChargeRefunded    EventType = "charge.refunded"
)

// Envelope is the provider's event wrapper.
type Envelope struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEnvelope decodes a verified webhook body.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("event envelope missing id or type")
	}
	return &env, nil
}

// CheckoutSession is the data object of a checkout-completed event.
type CheckoutSession struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

// PaymentIntent is the data object of a payment-succeeded event.
type PaymentIntent struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// Refund is one refund entry on a refunded charge.
type Refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// Charge is the data object of a charge-refunded event. The refunds list may
// carry several distinct refunds; each is applied under its own token.
type Charge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunds        struct {
		Data []Refund `json:"data"`
	} `json:"refunds"`
}

// metadataCheckoutSession is the provider-metadata key carrying the internal
// checkout session id set by the storefront at session creation.
const metadataCheckoutSession = "checkout_session_id"
