package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ScheduledDrain binds a drainer to a fixed interval.
type ScheduledDrain struct {
	Name     string
	Interval time.Duration
	Drainer  *Drainer
}

// Scheduler runs drain cycles on fixed timers, one goroutine per queue.
type Scheduler struct {
	drains []ScheduledDrain

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for the given drains.
func NewScheduler(drains ...ScheduledDrain) *Scheduler {
	return &Scheduler{
		drains: drains,
		stopCh: make(chan struct{}),
	}
}

// Start launches the drain timers.
func (s *Scheduler) Start(ctx context.Context) {
	for _, d := range s.drains {
		slog.Info("starting drain schedule", "queue", d.Name, "interval", d.Interval)
		s.wg.Add(1)
		go s.run(ctx, d)
	}
}

// Stop gracefully stops all drain timers.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("drain scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, d ScheduledDrain) {
	defer s.wg.Done()

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := d.Drainer.Drain(ctx); err != nil {
				slog.Error("drain cycle failed", "queue", d.Name, "error", err)
			}
		}
	}
}
