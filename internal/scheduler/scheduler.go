package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/hookrelay/internal/events"
	"github.com/mattjoyce/hookrelay/internal/metrics"
)

// DefaultInterval is how often maintenance runs.
const DefaultInterval = 15 * time.Second

// Scheduler runs periodic queue maintenance: expired leases go back to
// pending, expired delivery keys are pruned, idle limiter buckets are evicted
// and the depth gauges are refreshed.
type Scheduler struct {
	store    Store
	sweepers []Sweeper
	metrics  *metrics.Metrics
	events   *events.Hub
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	lastTick atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithSweepers registers in-memory state to evict on every tick.
func WithSweepers(sw ...Sweeper) Option {
	return func(s *Scheduler) { s.sweepers = append(s.sweepers, sw...) }
}

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a new Scheduler instance.
func New(store Store, interval time.Duration, hub *events.Hub, logger *slog.Logger, opts ...Option) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		store:    store,
		events:   hub,
		logger:   logger.With("component", "scheduler"),
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start reclaims leases orphaned by a previous process, then begins the tick
// loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "interval", s.interval)

	if err := s.recoverExpiredLeases(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// LastTick is when the last maintenance pass finished.
func (s *Scheduler) LastTick() time.Time {
	v := s.lastTick.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs a single maintenance pass. Failures are logged and the next
// pass tries again.
func (s *Scheduler) tick(ctx context.Context) {
	s.logger.Debug("Scheduler tick")

	reclaimed, err := s.store.ReclaimExpired(ctx)
	if err != nil {
		s.logger.Error("Failed to reclaim expired leases", "error", err)
	} else if reclaimed > 0 {
		s.logger.Warn("Reclaimed expired leases", "count", reclaimed)
	}

	pruned, err := s.store.PruneDedup(ctx)
	if err != nil {
		s.logger.Error("Failed to prune dedup index", "error", err)
	} else if pruned > 0 {
		s.logger.Info("Pruned expired delivery keys", "count", pruned)
	}

	evicted := 0
	for _, sw := range s.sweepers {
		evicted += sw.Sweep()
	}

	now := s.now()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error("Failed to read queue stats", "error", err)
	} else {
		var oldest time.Time
		if stats.OldestPendingAt != nil {
			oldest = *stats.OldestPendingAt
		}
		s.metrics.SetQueue(stats.Pending, stats.InFlight, stats.DeadLettered, oldest, now)
	}

	s.events.Publish(events.TypeSweep, map[string]any{
		"at":          now.UTC(),
		"reclaimed":   reclaimed,
		"pruned":      pruned,
		"evicted":     evicted,
		"pending":     stats.Pending,
		"in_flight":   stats.InFlight,
		"dead_letter": stats.DeadLettered,
	})
	s.lastTick.Store(time.Now().UnixMilli())
}

// recoverExpiredLeases returns events leased by a crashed process to
// pending before workers start.
func (s *Scheduler) recoverExpiredLeases(ctx context.Context) error {
	n, err := s.store.ReclaimExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Re-queued events with expired leases", "count", n)
	}
	return nil
}
