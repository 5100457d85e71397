package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hookrelay/internal/events"
	"github.com/mattjoyce/hookrelay/internal/log"
	"github.com/mattjoyce/hookrelay/internal/metrics"
	"github.com/mattjoyce/hookrelay/internal/queue"
	"github.com/mattjoyce/hookrelay/internal/sanitize"
)

const (
	DefaultWorkers      = 4
	DefaultLeaseTTL     = 60 * time.Second
	DefaultPollInterval = time.Second

	// bookkeepingTimeout bounds queue transitions after an attempt, which run
	// even when the worker context has been cancelled.
	bookkeepingTimeout = 5 * time.Second
)

// Config sizes the worker pool.
type Config struct {
	Workers      int
	LeaseTTL     time.Duration
	PollInterval time.Duration
	Retry        RetryPolicy
	// SourceRetry overrides Retry per source name.
	SourceRetry map[string]RetryPolicy
}

// Pool runs the forwarding workers.
type Pool struct {
	queue     Queue
	forwarder Forwarder
	sanitizer *sanitize.Sanitizer
	cfg       Config

	metrics *metrics.Metrics
	hub     *events.Hub
	logger  *slog.Logger
	now     func() time.Time
	owner   string

	wake      chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	heartbeat atomic.Int64
	started   atomic.Bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithMetrics(m *metrics.Metrics) PoolOption { return func(p *Pool) { p.metrics = m } }

func WithHub(h *events.Hub) PoolOption { return func(p *Pool) { p.hub = h } }

func WithLogger(l *slog.Logger) PoolOption { return func(p *Pool) { p.logger = l } }

// WithClock overrides the time source used for backoff scheduling.
func WithClock(now func() time.Time) PoolOption { return func(p *Pool) { p.now = now } }

// WithOwner sets the lease owner id. By default it is derived from the
// hostname and a random suffix.
func WithOwner(owner string) PoolOption { return func(p *Pool) { p.owner = owner } }

func NewPool(q Queue, f Forwarder, s *sanitize.Sanitizer, cfg Config, opts ...PoolOption) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Retry = cfg.Retry.withDefaults()

	p := &Pool{
		queue:     q,
		forwarder: f,
		sanitizer: s,
		cfg:       cfg,
		logger:    log.WithComponent("dispatch"),
		now:       time.Now,
		owner:     defaultOwner(),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hookrelay"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Owner is the lease owner id this pool uses.
func (p *Pool) Owner() string { return p.owner }

// Policy returns the effective retry policy for a source.
func (p *Pool) Policy(source string) RetryPolicy {
	if sp, ok := p.cfg.SourceRetry[source]; ok {
		merged := p.cfg.Retry
		if sp.MaxAttempts > 0 {
			merged.MaxAttempts = sp.MaxAttempts
		}
		if sp.BaseDelay > 0 {
			merged.BaseDelay = sp.BaseDelay
		}
		if sp.MaxDelay > 0 {
			merged.MaxDelay = sp.MaxDelay
		}
		if sp.MaxElapsed > 0 {
			merged.MaxElapsed = sp.MaxElapsed
		}
		return merged
	}
	return p.cfg.Retry
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	workCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.beat()

	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "owner", p.owner, "lease_ttl", p.cfg.LeaseTTL)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(workCtx, i)
	}
}

// Notify wakes one idle worker. It never blocks.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// LastHeartbeat is when a worker last finished a loop iteration.
func (p *Pool) LastHeartbeat() time.Time {
	v := p.heartbeat.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func (p *Pool) beat() { p.heartbeat.Store(time.Now().UnixMilli()) }

// Stop stops leasing, waits for in-flight attempts until ctx is done, then
// returns this pool's leases to pending.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("workers did not drain: %w", ctx.Err())
		if p.cancel != nil {
			p.cancel()
		}
		<-done
	}
	if p.cancel != nil {
		p.cancel()
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	n, err := p.queue.ReleaseLeases(releaseCtx, p.owner)
	if err != nil {
		return errors.Join(waitErr, fmt.Errorf("release leases: %w", err))
	}
	p.logger.Info("worker pool stopped", "released_leases", n)
	return waitErr
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		worked := p.ProcessNext(ctx)
		p.beat()
		if worked {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.PollInterval)

		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// ProcessNext leases and handles one due event. It reports whether there was
// one.
func (p *Pool) ProcessNext(ctx context.Context) bool {
	ev, err := p.queue.Lease(ctx, p.owner, p.cfg.LeaseTTL)
	if errors.Is(err, queue.ErrEmpty) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("lease failed", "error", err)
		}
		return false
	}
	p.handle(ctx, ev)
	return true
}

func (p *Pool) handle(ctx context.Context, ev *queue.PendingEvent) {
	id := ev.ID()
	src := ev.Envelope.Source
	logger := log.WithEvent(id).With("component", "dispatch", "source", src, "event_type", ev.Envelope.EventType, "attempt", ev.Attempts)

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	body := ev.Forward
	if body == nil {
		prepared, err := p.prepare(ev)
		if err != nil {
			logger.Error("sanitize failed", "error", err)
			p.deadLetter(bctx, ev, fmt.Sprintf("sanitize: %v", err), logger)
			return
		}
		if err := p.queue.SaveSanitized(bctx, id, p.owner, prepared); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) {
				logger.Warn("lease lost before forwarding")
				return
			}
			// Retries re-sanitize deterministically.
			logger.Error("persist sanitized body failed", "error", err)
		}
		body = prepared
	}

	req := ForwardRequest{
		EventID:    id,
		Source:     src,
		EventType:  ev.Envelope.EventType,
		DeliveryID: ev.Meta.DeliveryID,
		Headers:    ev.Meta.Headers,
		Body:       body,
	}

	started := time.Now()
	err := p.forwarder.Forward(ctx, req)
	took := time.Since(started)

	if err == nil {
		p.metrics.ForwardAttempt(src, metrics.OutcomeSuccess, took)
		if err := p.queue.Complete(bctx, id, p.owner); err != nil {
			logger.Error("complete failed", "error", err)
			return
		}
		p.metrics.Forwarded(src)
		p.hub.Publish(events.TypeForwarded, map[string]any{
			"event_id": id, "source": src, "event_type": ev.Envelope.EventType, "attempts": ev.Attempts,
		})
		logger.Info("event forwarded", "duration_ms", took.Milliseconds())
		return
	}

	if IsPermanent(err) {
		p.metrics.ForwardAttempt(src, metrics.OutcomePermanent, took)
		logger.Warn("permanent forward failure", "error", err)
		p.deadLetter(bctx, ev, err.Error(), logger)
		return
	}

	p.metrics.ForwardAttempt(src, metrics.OutcomeTransient, took)
	policy := p.Policy(src)
	now := p.now()
	delay := policy.Delay(ev.Attempts)

	first := now
	if ev.FirstAttemptAt != nil {
		first = *ev.FirstAttemptAt
	}
	switch {
	case ev.Attempts >= policy.MaxAttempts:
		p.deadLetter(bctx, ev, fmt.Sprintf("retry budget exhausted after %d attempts: %v", ev.Attempts, err), logger)
		return
	case now.Add(delay).Sub(first) > policy.MaxElapsed:
		p.deadLetter(bctx, ev, fmt.Sprintf("retry window of %s exhausted after %d attempts: %v", policy.MaxElapsed, ev.Attempts, err), logger)
		return
	}

	next := now.Add(delay)
	if err := p.queue.Retry(bctx, id, p.owner, next, err.Error()); err != nil {
		logger.Error("schedule retry failed", "error", err)
		return
	}
	p.hub.Publish(events.TypeRetry, map[string]any{
		"event_id": id, "source": src, "attempts": ev.Attempts, "next_retry_at": next.UTC(), "reason": err.Error(),
	})
	logger.Warn("transient forward failure, retry scheduled", "error", err, "retry_in", delay)
}

// prepare builds the forward body: the envelope with its payload replaced by
// the sanitized projection.
func (p *Pool) prepare(ev *queue.PendingEvent) (json.RawMessage, error) {
	res, err := p.sanitizer.Sanitize(ev.Envelope.Source, ev.Envelope.Payload)
	if err != nil {
		return nil, err
	}
	out := ev.Envelope
	out.Payload = res.Payload
	out.Flags = res.Flags
	out.Sanitized = true
	if len(res.Flags) > 0 {
		p.logger.Warn("injection patterns flagged", "event_id", out.ID, "source", out.Source, "fields", len(res.Flags))
	}
	return json.Marshal(out)
}

func (p *Pool) deadLetter(ctx context.Context, ev *queue.PendingEvent, reason string, logger *slog.Logger) {
	if err := p.queue.DeadLetter(ctx, ev.ID(), p.owner, reason); err != nil {
		logger.Error("dead-letter failed", "error", err)
		return
	}
	p.metrics.DeadLettered(ev.Envelope.Source)
	p.hub.Publish(events.TypeDeadLettered, map[string]any{
		"event_id": ev.ID(), "source": ev.Envelope.Source, "attempts": ev.Attempts, "reason": reason,
	})
}
