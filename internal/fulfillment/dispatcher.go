package fulfillment

import (
	"context"
	"time"

	"github.com/cmarchant/payhook/internal/pkg/ctxlog"
	"github.com/cmarchant/payhook/internal/pkg/retry"
)

// Caller performs one fulfillment call.
type Caller interface {
	Call(ctx context.Context, request Request) error
}

// Dispatcher drives fulfillment calls through the retry executor. Exhaustion
// is reported to the caller, who decides whether to queue a replay.
type Dispatcher struct {
	caller Caller
	retry  retry.Config
}

// NewDispatcher creates a dispatcher. A zero retry config falls back to the
// default downstream schedule.
func NewDispatcher(caller Caller, cfg retry.Config) *Dispatcher {
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	return &Dispatcher{caller: caller, retry: cfg}
}

// Dispatch invokes fulfillment with retries.
func (d *Dispatcher) Dispatch(ctx context.Context, request Request) error {
	start := time.Now()
	err := retry.Do(ctx, d.retry, func(ctx context.Context) error {
		return d.caller.Call(ctx, request)
	})
	duration := time.Since(start)

	if err != nil {
		recordDispatch("failed", duration)
		ctxlog.FromContext(ctx).Error("fulfillment dispatch exhausted",
			"order_id", request.OrderID,
			"duration", duration,
			"error", err,
		)
		return err
	}

	recordDispatch("ok", duration)
	ctxlog.FromContext(ctx).Info("fulfillment dispatched",
		"order_id", request.OrderID,
		"duration", duration,
	)
	return nil
}
