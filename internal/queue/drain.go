package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cmarchant/payhook/internal/pkg/ctxlog"
	"github.com/cmarchant/payhook/internal/pkg/retry"
	"github.com/cmarchant/payhook/internal/ratelimit"
)

// Limiter answers whether a bucket is within budget. Implemented by
// ratelimit.Service.
type Limiter interface {
	Check(ctx context.Context, key string, limit int64, window time.Duration) (*ratelimit.Result, error)
}

// RateKey names one limiter bucket an item must pass before sending.
type RateKey struct {
	Key    string
	Limit  int64
	Window time.Duration
}

// SendFunc performs the actual work for one item.
type SendFunc func(ctx context.Context, item *Item) error

// RateKeysFunc returns the limiter buckets for an item. All buckets must
// allow before the send is attempted.
type RateKeysFunc func(item *Item) []RateKey

// BackoffFunc returns the delay before the retry following the given
// attempt number (1-based). Each queue kind supplies its own curve.
type BackoffFunc func(attempt int) time.Duration

// DrainerConfig contains drain cycle configuration.
type DrainerConfig struct {
	Kind       Kind
	BatchSize  int
	NumWorkers int
	Backoff    BackoffFunc

	// Retry governs in-cycle send retries. Exhausting it counts as one
	// failed attempt against the item's budget. The zero value means a
	// single attempt per cycle, which is what a send that already retries
	// internally should use.
	Retry retry.Config
}

// DefaultDrainerConfig returns drain defaults shared by both kinds.
func DefaultDrainerConfig(kind Kind) DrainerConfig {
	return DrainerConfig{
		Kind:       kind,
		BatchSize:  50,
		NumWorkers: 2,
	}
}

// Summary is the outcome of one drain cycle.
type Summary struct {
	Processed   int `json:"processed"`
	Failed      int `json:"failed"`
	RateLimited int `json:"rate_limited"`
	Total       int `json:"total"`
}

type itemOutcome int

const (
	outcomeProcessed itemOutcome = iota
	outcomeFailed
	outcomeRateLimited
	outcomeSkipped // lost the claim race
)

// Drainer pulls batches of due items from a Store, applies the rate limiter
// and executes sends with retry/backoff.
type Drainer struct {
	config   DrainerConfig
	store    Store
	limiter  Limiter
	send     SendFunc
	rateKeys RateKeysFunc
	now      func() time.Time
}

// NewDrainer creates a drainer for one queue kind.
func NewDrainer(config DrainerConfig, store Store, limiter Limiter, send SendFunc, rateKeys RateKeysFunc) *Drainer {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 2
	}
	return &Drainer{
		config:   config,
		store:    store,
		limiter:  limiter,
		send:     send,
		rateKeys: rateKeys,
		now:      time.Now,
	}
}

// Drain runs one cycle: fetch a batch, process each item, collect a summary.
// Per-item failures are captured in the summary; one bad item never aborts
// the batch.
func (d *Drainer) Drain(ctx context.Context) (*Summary, error) {
	items, err := d.store.FetchDue(ctx, d.config.BatchSize, d.now())
	if err != nil {
		return nil, fmt.Errorf("fetch due items: %w", err)
	}

	summary := &Summary{}
	if len(items) == 0 {
		return summary, nil
	}

	work := make(chan *Item)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < d.config.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				outcome := d.processItem(ctx, item)

				mu.Lock()
				switch outcome {
				case outcomeProcessed:
					summary.Processed++
					summary.Total++
				case outcomeFailed:
					summary.Failed++
					summary.Total++
				case outcomeRateLimited:
					summary.RateLimited++
					summary.Total++
				case outcomeSkipped:
				}
				mu.Unlock()
			}
		}()
	}

	for _, item := range items {
		work <- item
	}
	close(work)
	wg.Wait()

	ctxlog.FromContext(ctx).Info("drain cycle finished",
		"kind", d.config.Kind,
		"processed", summary.Processed,
		"failed", summary.Failed,
		"rate_limited", summary.RateLimited,
		"total", summary.Total,
	)

	return summary, nil
}

func (d *Drainer) processItem(ctx context.Context, item *Item) itemOutcome {
	logger := ctxlog.FromContext(ctx).With("kind", d.config.Kind, "item_id", item.ID)

	claimed, err := d.store.Claim(ctx, item.ID)
	if err != nil {
		logger.Error("failed to claim item", "error", err)
		return outcomeFailed
	}
	if !claimed {
		// Another drain cycle got there first.
		return outcomeSkipped
	}

	if d.rateKeys != nil {
		for _, rk := range d.rateKeys(item) {
			res, err := d.limiter.Check(ctx, rk.Key, rk.Limit, rk.Window)
			if err != nil {
				logger.Error("rate limit check failed", "key", rk.Key, "error", err)
				return d.fail(ctx, item, err)
			}
			if !res.Allowed {
				// Not a failure: push the item out to the window reset
				// without burning an attempt.
				if err := d.store.Reschedule(ctx, item.ID, res.ResetAt); err != nil {
					logger.Error("failed to reschedule item", "error", err)
					return outcomeFailed
				}
				recordItemDrained(string(d.config.Kind), "rate_limited")
				logger.Debug("item rate limited", "key", rk.Key, "reset_at", res.ResetAt)
				return outcomeRateLimited
			}
		}
	}

	start := d.now()
	err = retry.Do(ctx, d.config.Retry, func(ctx context.Context) error {
		return d.send(ctx, item)
	})
	duration := time.Since(start)

	if err != nil {
		logger.Warn("send failed",
			"attempt", item.Attempts+1,
			"max_attempts", item.MaxAttempts,
			"error", err,
		)
		return d.fail(ctx, item, err)
	}

	if err := d.store.MarkProcessed(ctx, item.ID, d.now()); err != nil {
		logger.Error("failed to mark item processed", "error", err)
		return outcomeFailed
	}

	recordItemDrained(string(d.config.Kind), "processed")
	recordSendDuration(string(d.config.Kind), duration)
	logger.Debug("item processed", "duration", duration)

	return outcomeProcessed
}

func (d *Drainer) fail(ctx context.Context, item *Item, cause error) itemOutcome {
	logger := ctxlog.FromContext(ctx).With("kind", d.config.Kind, "item_id", item.ID)

	nextRetryAt := d.now().Add(d.config.Backoff(item.Attempts + 1))
	status, err := d.store.MarkFailed(ctx, item.ID, cause, nextRetryAt)
	if err != nil {
		logger.Error("failed to mark item failed", "error", err)
		return outcomeFailed
	}

	if status == StatusDeadLetter {
		recordItemDrained(string(d.config.Kind), "dead_letter")
		logger.Error("item dead-lettered",
			"attempts", item.Attempts+1,
			"error", cause,
		)
	} else {
		recordItemDrained(string(d.config.Kind), "failed")
		logger.Info("item scheduled for retry", "next_retry_at", nextRetryAt)
	}

	return outcomeFailed
}
