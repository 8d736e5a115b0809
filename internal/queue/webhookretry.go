package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cmarchant/payhook/internal/pkg/retry"
)

// Webhook retry payload types.
const (
	WebhookRetryFulfillment = "fulfillment.dispatch"
)

// WebhookRetryPayload is the payload shape of webhook retry queue items.
type WebhookRetryPayload struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	OrderID         string `json:"order_id,omitempty"`
}

// ReplayFunc re-executes the work recorded in a webhook retry item.
type ReplayFunc func(ctx context.Context, payload WebhookRetryPayload) error

// WebhookRetryLimits configures the single global bucket for replays.
type WebhookRetryLimits struct {
	Limit  int64
	Window time.Duration
}

// DefaultWebhookRetryLimits returns the replay rate limit defaults.
func DefaultWebhookRetryLimits() WebhookRetryLimits {
	return WebhookRetryLimits{Limit: 60, Window: time.Minute}
}

// NewWebhookRetryDrainer creates the webhook retry queue drainer.
func NewWebhookRetryDrainer(config DrainerConfig, store Store, limiter Limiter, replay ReplayFunc, limits WebhookRetryLimits) *Drainer {
	send := func(ctx context.Context, item *Item) error {
		var payload WebhookRetryPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return retry.Permanent(fmt.Errorf("decode webhook retry payload: %w", err))
		}
		return replay(ctx, payload)
	}

	rateKeys := func(*Item) []RateKey {
		return []RateKey{{Key: "webhook_retry:global", Limit: limits.Limit, Window: limits.Window}}
	}

	return NewDrainer(config, store, limiter, send, rateKeys)
}

// ScheduleBackoff returns a fixed-schedule backoff curve; the last entry is
// reused for attempts beyond the schedule length.
func ScheduleBackoff(schedule []time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if len(schedule) == 0 {
			return time.Minute
		}
		idx := attempt - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(schedule) {
			idx = len(schedule) - 1
		}
		return schedule[idx]
	}
}
