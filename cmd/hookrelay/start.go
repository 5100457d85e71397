package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/hookrelay/internal/api"
	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/dispatch"
	"github.com/mattjoyce/hookrelay/internal/events"
	"github.com/mattjoyce/hookrelay/internal/lock"
	"github.com/mattjoyce/hookrelay/internal/log"
	"github.com/mattjoyce/hookrelay/internal/metrics"
	"github.com/mattjoyce/hookrelay/internal/queue"
	"github.com/mattjoyce/hookrelay/internal/ratelimit"
	"github.com/mattjoyce/hookrelay/internal/sanitize"
	"github.com/mattjoyce/hookrelay/internal/scheduler"
	"github.com/mattjoyce/hookrelay/internal/source"
	"github.com/mattjoyce/hookrelay/internal/storage"
	"github.com/mattjoyce/hookrelay/internal/webhook"
)

const eventHubCapacity = 256

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("RELAY_CONFIG"), "Path to YAML configuration file (optional)")
	envFile := fs.String("env-file", config.DefaultEnvFile, "Path to dotenv file (optional)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.LoadWith(config.Options{Path: *configPath, EnvFile: *envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Log.Level)
	logger := log.WithComponent("main")
	fingerprint, _ := cfg.Fingerprint()
	logger.Info("hookrelay starting", "version", version, "config", *configPath, "fingerprint", fingerprint)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := newRelay(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize relay", "error", err)
		return 1
	}
	defer r.close()

	logger.Info("hookrelay running (press Ctrl+C to stop)")
	if err := r.run(ctx); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("hookrelay stopped")
	return 0
}

// relay owns every long-lived component of a running process.
type relay struct {
	cfg    *config.Config
	logger *slog.Logger

	pidLock *lock.PIDLock
	db      *sql.DB
	queue   *queue.Store
	hub     *events.Hub
	metrics *metrics.Metrics
	guard   *ratelimit.Guard

	pool    *dispatch.Pool
	sched   *scheduler.Scheduler
	webhook *webhook.Server
	admin   *api.Server
}

func newRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relay, error) {
	r := &relay{cfg: cfg, logger: logger}

	lockPath := lock.PathFor(cfg.Store.Path)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		return nil, fmt.Errorf("acquire store lock (another relay may be running): %w", err)
	}
	r.pidLock = pidLock
	logger.Info("acquired PID lock", "path", lockPath)

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("open database %s: %w", cfg.Store.Path, err)
	}
	r.db = db
	logger.Info("database opened", "path", cfg.Store.Path)

	r.queue = queue.New(db,
		queue.WithLogger(log.WithComponent("queue")),
		queue.WithDedupTTL(cfg.Store.DedupTTL),
	)
	r.hub = events.NewHub(eventHubCapacity)
	r.metrics = metrics.New()

	trusted, err := ratelimit.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		r.close()
		return nil, err
	}
	r.guard = ratelimit.NewGuard(cfg.RateLimit.IPPerMinute, cfg.RateLimit.SourcePerMinute, ratelimit.Resolver{Trusted: trusted})

	forwarder, err := dispatch.NewHTTPForwarder(dispatch.ForwarderConfig{
		GatewayURL:     cfg.Gateway.URL,
		Token:          cfg.Gateway.Token,
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		Timeout:        cfg.Gateway.Timeout,
	})
	if err != nil {
		r.close()
		return nil, err
	}
	logger.Info("forwarding to gateway", "endpoint", forwarder.Endpoint())

	r.pool = dispatch.NewPool(r.queue, forwarder, sanitize.New(), poolConfig(cfg),
		dispatch.WithMetrics(r.metrics),
		dispatch.WithHub(r.hub),
		dispatch.WithLogger(log.WithComponent("dispatch")),
	)

	r.sched = scheduler.New(r.queue, cfg.Scheduler.Interval, r.hub, log.Get(),
		scheduler.WithMetrics(r.metrics),
		scheduler.WithSweepers(r.guard),
	)

	registry := buildRegistry(cfg)
	r.webhook = webhook.New(webhook.Config{
		MaxBodySize:     int64(cfg.Server.MaxBodySize),
		ShutdownTimeout: cfg.Server.ShutdownGrace,
	}, registry, r.queue, log.WithComponent("webhook"),
		webhook.WithNotifier(r.pool),
		webhook.WithGuard(r.guard),
		webhook.WithMetrics(r.metrics),
		webhook.WithHub(r.hub),
	)

	r.admin = api.New(api.Config{
		Token:           cfg.Admin.Token,
		Tokens:          cfg.Admin.Tokens,
		DBPath:          cfg.Store.Path,
		MinFreeDisk:     uint64(cfg.Store.MinFreeDisk),
		ShutdownTimeout: cfg.Server.ShutdownGrace,
	}, r.queue, log.WithComponent("api"),
		api.WithMetrics(r.metrics),
		api.WithHub(r.hub),
		api.WithHeartbeat("workers", r.pool.LastHeartbeat, workerHeartbeatMaxAge(cfg)),
		api.WithHeartbeat("scheduler", r.sched.LastTick, 3*cfg.Scheduler.Interval),
	)

	return r, nil
}

// run binds both listeners and serves until ctx is cancelled or a listener
// fails.
func (r *relay) run(ctx context.Context) error {
	ingress, err := net.Listen("tcp", r.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	admin, err := net.Listen("tcp", r.cfg.Server.AdminListen)
	if err != nil {
		_ = ingress.Close()
		return fmt.Errorf("admin listen: %w", err)
	}
	return r.serve(ctx, ingress, admin)
}

// serve runs the relay on the given listeners. Shutdown happens in order:
// the listeners drain in-flight requests, then the workers finish their
// forwards, then the scheduler stops. The store stays usable until serve
// returns.
func (r *relay) serve(ctx context.Context, ingress, admin net.Listener) error {
	if err := r.sched.Start(ctx); err != nil {
		_ = ingress.Close()
		_ = admin.Close()
		return err
	}

	// Workers get their own context so a shutdown signal lets in-flight
	// forwards finish instead of aborting them.
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	r.pool.Start(poolCtx)

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	listen := func(name string, serveFn func(context.Context, net.Listener) error, ln net.Listener) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveFn(serveCtx, ln); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	listen("webhook", r.webhook.Serve, ingress)
	listen("admin", r.admin.Serve, admin)
	r.logger.Info("listeners started", "ingress", ingress.Addr().String(), "admin", admin.Addr().String())

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("received shutdown signal")
	case runErr = <-errCh:
	}
	cancelServe()

	// Each listener bounds its own Shutdown by the grace period; the extra
	// second covers a listener that never got as far as serving.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(r.cfg.Server.ShutdownGrace + time.Second):
		r.logger.Warn("listeners did not drain within the shutdown grace period")
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownGrace)
	defer cancelStop()
	if err := r.pool.Stop(stopCtx); err != nil {
		r.logger.Warn("worker pool stopped uncleanly", "error", err)
	}
	r.sched.Stop()

	return runErr
}

func (r *relay) close() {
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.logger.Warn("failed to close database", "error", err)
		}
	}
	if r.pidLock != nil {
		if err := r.pidLock.Release(); err != nil {
			r.logger.Warn("failed to release PID lock", "error", err)
		}
	}
}

// buildRegistry registers the enabled sources.
func buildRegistry(cfg *config.Config) *source.Registry {
	var adapters []source.Adapter
	if gh := cfg.Sources.GitHub; gh.Enabled {
		adapters = append(adapters, source.NewGitHub(source.GitHubConfig{
			Secret:    gh.Secret,
			BotSuffix: gh.BotSuffix,
			Cooldown:  gh.Cooldown,
		}))
	}
	if ln := cfg.Sources.Linear; ln.Enabled {
		adapters = append(adapters, source.NewLinear(source.LinearConfig{
			Secret:      ln.Secret,
			AgentUserID: ln.AgentUserID,
			Freshness: source.FreshnessPolicy{
				Window:  ln.TimestampWindow,
				Enforce: ln.EnforceTimestamp,
			},
			Cooldown: ln.Cooldown,
		}))
	}
	return source.NewRegistry(adapters...)
}

func poolConfig(cfg *config.Config) dispatch.Config {
	out := dispatch.Config{
		Workers:      cfg.Forward.Workers,
		LeaseTTL:     cfg.Forward.LeaseTTL,
		PollInterval: cfg.Forward.PollInterval,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: cfg.Forward.MaxAttempts,
			BaseDelay:   cfg.Forward.BackoffBase,
			MaxDelay:    cfg.Forward.BackoffMax,
			MaxElapsed:  cfg.Forward.MaxElapsed,
		},
		SourceRetry: make(map[string]dispatch.RetryPolicy),
	}
	if rc := cfg.Sources.GitHub.Retry; rc != nil {
		out.SourceRetry["github"] = retryPolicy(rc)
	}
	if rc := cfg.Sources.Linear.Retry; rc != nil {
		out.SourceRetry["linear"] = retryPolicy(rc)
	}
	return out
}

func retryPolicy(rc *config.RetryConfig) dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BackoffBase,
		MaxDelay:    rc.BackoffMax,
		MaxElapsed:  rc.MaxElapsed,
	}
}

// workerHeartbeatMaxAge tolerates one full forward attempt plus a few idle
// polls between heartbeats.
func workerHeartbeatMaxAge(cfg *config.Config) time.Duration {
	return cfg.Gateway.Timeout + 3*cfg.Forward.PollInterval + 5*time.Second
}
