package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cmarchant/payhook/internal/pkg/retry"
)

// EmailPayload is the payload shape of email queue items.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailSender sends one email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// EmailLimits configures the two buckets every email send must pass.
type EmailLimits struct {
	GlobalLimit     int64
	GlobalWindow    time.Duration
	RecipientLimit  int64
	RecipientWindow time.Duration
}

// DefaultEmailLimits returns the email rate limit defaults.
func DefaultEmailLimits() EmailLimits {
	return EmailLimits{
		GlobalLimit:     100,
		GlobalWindow:    time.Minute,
		RecipientLimit:  5,
		RecipientWindow: time.Hour,
	}
}

// NewEmailDrainer creates the email queue drainer. Sends must pass both the
// global bucket and a per-recipient bucket.
func NewEmailDrainer(config DrainerConfig, store Store, limiter Limiter, sender EmailSender, limits EmailLimits) *Drainer {
	send := func(ctx context.Context, item *Item) error {
		var payload EmailPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return retry.Permanent(fmt.Errorf("decode email payload: %w", err))
		}
		return sender.Send(ctx, payload.To, payload.Subject, payload.Body)
	}

	rateKeys := func(item *Item) []RateKey {
		var payload EmailPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			// The send will reject the payload; only gate on the global bucket.
			return []RateKey{{Key: "email:global", Limit: limits.GlobalLimit, Window: limits.GlobalWindow}}
		}
		return []RateKey{
			{Key: "email:global", Limit: limits.GlobalLimit, Window: limits.GlobalWindow},
			{Key: "email:recipient:" + payload.To, Limit: limits.RecipientLimit, Window: limits.RecipientWindow},
		}
	}

	return NewDrainer(config, store, limiter, send, rateKeys)
}

// ExponentialBackoff returns the worker-style backoff curve: initial delay
// multiplied per attempt, capped at max.
func ExponentialBackoff(initial, max time.Duration, multiplier float64) BackoffFunc {
	return func(attempt int) time.Duration {
		backoff := float64(initial)
		for i := 1; i < attempt; i++ {
			backoff *= multiplier
		}
		if backoff > float64(max) {
			backoff = float64(max)
		}
		return time.Duration(backoff)
	}
}
