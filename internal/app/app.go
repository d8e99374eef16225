// Package app wires every component of the inventory service together:
// config, logging, the resilience guards, the durable stores, the
// mutation and sync services, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shelfsync/shelfsync/internal/eventlog"
	"github.com/shelfsync/shelfsync/internal/httpserver"
	"github.com/shelfsync/shelfsync/internal/idempotency"
	"github.com/shelfsync/shelfsync/internal/inventory"
	"github.com/shelfsync/shelfsync/internal/keyserial"
	"github.com/shelfsync/shelfsync/internal/lock"
	"github.com/shelfsync/shelfsync/internal/metrics"
	"github.com/shelfsync/shelfsync/internal/mutation"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/config"
	"github.com/shelfsync/shelfsync/internal/platform/lifecycle"
	"github.com/shelfsync/shelfsync/internal/platform/logging"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
	"github.com/shelfsync/shelfsync/internal/resilience/loadshed"
	"github.com/shelfsync/shelfsync/internal/resilience/ratelimit"
	"github.com/shelfsync/shelfsync/internal/snapshot"
	"github.com/shelfsync/shelfsync/internal/syncworker"
)

// App holds every initialized component. It is the shared core used by
// cmd/shelfsync-server.
type App struct {
	Config *config.Config
	Logger *logging.Logger
	Clock  clock.Clock

	EventLog    *eventlog.Store
	Inventory   *inventory.Store
	Idempotency *idempotency.Store
	Serializer  *keyserial.Serializer
	Locks       *lock.Manager
	Snapshotter *snapshot.Snapshotter
	Sync        *syncworker.Worker
	Mutation    *mutation.Service

	Metrics      *metrics.Registry
	PromRegistry *prometheus.Registry
	RateLimiter  *ratelimit.Limiter
	LoadShed     *loadshed.Gate

	HTTP *httpserver.Server

	lifecycle *lifecycle.Manager
	startTime time.Time
}

// NewApp loads configuration, constructs every component and wires them
// together. configPath may be empty; SHELFSYNC_CONFIG is consulted next.
func NewApp(configPath string) (*App, error) {
	startTime := time.Now()

	if configPath == "" {
		configPath = os.Getenv("SHELFSYNC_CONFIG")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Logging.Level)
	clk := clock.Real{}

	if err := safeio.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	snapshotDir := filepath.Join(cfg.DataDir, "snapshots")
	if err := safeio.EnsureDir(snapshotDir); err != nil {
		return nil, fmt.Errorf("ensure snapshot dir: %w", err)
	}
	if cfg.Lock.Enabled {
		if err := safeio.EnsureDir(cfg.Lock.Dir); err != nil {
			return nil, fmt.Errorf("ensure lock dir: %w", err)
		}
	}

	cooldown := time.Duration(cfg.Breaker.CooldownMs) * time.Millisecond
	breakerThreshold := cfg.Breaker.FailureThreshold()

	// Two I/O guards, one per bulkhead pool: CONCURRENCY_API fronts
	// request-path stores, CONCURRENCY_SYNC fronts the background
	// sync/snapshot path.
	apiGuard := safeio.NewGuard("api-io", cfg.Concurrency.API, cfg.Concurrency.API, breakerThreshold, cooldown, 0, clk)
	syncGuard := safeio.NewGuard("sync-io", cfg.Concurrency.Sync, cfg.Concurrency.Sync, breakerThreshold, cooldown, 0, clk)

	eventLog, err := eventlog.New(
		filepath.Join(cfg.DataDir, "event-log.json"),
		filepath.Join(cfg.DataDir, "dead-letter.json"),
		apiGuard, clk,
	)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	inv, err := inventory.New(filepath.Join(cfg.DataDir, "store-inventory.json"), apiGuard)
	if err != nil {
		return nil, fmt.Errorf("open inventory store: %w", err)
	}

	idemp := idempotency.New(clk)
	ser := keyserial.New()

	var locks *lock.Manager
	if cfg.Lock.Enabled {
		locks = lock.New(cfg.Lock.Dir, clk)
	}

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	snap := snapshot.New(snapshotDir, cfg.Snapshot.EveryNEvents, syncGuard, eventLog, clk)

	syncWorker, err := syncworker.New(
		filepath.Join(cfg.DataDir, "central-inventory.json"),
		cfg.Retry.Times,
		syncGuard, eventLog, snap, cfg.Snapshot.KeepCount, clk, logger, metricsReg,
	)
	if err != nil {
		return nil, fmt.Errorf("open sync worker state: %w", err)
	}

	lockCfg := mutation.LockConfig{
		Enabled:    cfg.Lock.Enabled,
		TTL:        time.Duration(cfg.Lock.TTLMs) * time.Millisecond,
		OwnerID:    cfg.Lock.OwnerID,
		RetryAfter: time.Duration(cfg.Lock.RetryAfterMs) * time.Millisecond,
	}
	idempTTL := time.Duration(cfg.Idempotency.TTLMs) * time.Millisecond

	mutationSvc := mutation.New(inv, eventLog, idemp, ser, locks, lockCfg, idempTTL, clk, metricsReg)

	rateLimiter := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	shedGate := loadshed.New(cfg.LoadShed.QueueMax)

	httpSrv := httpserver.New(httpserver.Deps{
		Mutation:     mutationSvc,
		Inventory:    inv,
		Sync:         syncWorker,
		Metrics:      metricsReg,
		PromRegistry: promReg,
		RateLimiter:  rateLimiter,
		LoadShed:     shedGate,
		Logger:       logger,
		Clock:        clk,
		APIGuard:     apiGuard,
		SyncGuard:    syncGuard,
	})

	lc := lifecycle.New(logger)

	a := &App{
		Config:       cfg,
		Logger:       logger,
		Clock:        clk,
		EventLog:     eventLog,
		Inventory:    inv,
		Idempotency:  idemp,
		Serializer:   ser,
		Locks:        locks,
		Snapshotter:  snap,
		Sync:         syncWorker,
		Mutation:     mutationSvc,
		Metrics:      metricsReg,
		PromRegistry: promReg,
		RateLimiter:  rateLimiter,
		LoadShed:     shedGate,
		HTTP:         httpSrv,
		lifecycle:    lc,
		startTime:    startTime,
	}

	a.startIdempotencySweep(idempotencySweepInterval)

	logger.Info().Dur("startup", time.Since(startTime)).Msg("app initialized")
	return a, nil
}

// idempotencySweepInterval is how often the background sweep removes
// expired idempotency cache entries.
const idempotencySweepInterval = 1 * time.Minute

// startIdempotencySweep launches a ticker under the lifecycle manager
// that periodically expires stale idempotency entries so the in-memory
// map doesn't grow unbounded.
func (a *App) startIdempotencySweep(interval time.Duration) {
	a.lifecycle.Go("idempotency-sweep", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := a.Idempotency.ExpireOld(); n > 0 {
					a.Logger.Debug().Int("removed", n).Msg("idempotency: expired stale entries")
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// ReplayOnBoot resumes the sync worker's aggregate from its latest
// snapshot (if any) and folds the event log's tail. Best-effort: logs
// and continues on an empty/unreadable log, but any applied prefix is
// honored.
func (a *App) ReplayOnBoot(ctx context.Context) error {
	result, err := a.Sync.ReplayOnBoot(ctx)
	if err != nil {
		a.Logger.Error().Err(err).Msg("boot replay failed, continuing with whatever prefix was applied")
		return nil
	}
	a.Logger.Info().Int("applied", result.Applied).Int("failed", result.Failed).Int("deadLettered", result.DeadLettered).Msg("boot replay complete")
	return nil
}

// StartSyncLoop starts the periodic sync worker and registers the
// shutdown drain sequence: stop the ticker, attempt one final syncOnce,
// then force-release every tracked lease.
func (a *App) StartSyncLoop(interval time.Duration) {
	a.Sync.Start(a.lifecycle.Context(), interval)

	a.lifecycle.OnDrain(func(ctx context.Context) error {
		a.Sync.Stop()
		return nil
	})
	a.lifecycle.OnDrain(func(ctx context.Context) error {
		if _, err := a.Sync.SyncOnce(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("final syncOnce during shutdown failed")
		}
		return nil
	})
	a.lifecycle.OnDrain(func(ctx context.Context) error {
		if a.Locks != nil {
			a.Locks.ForceReleaseAll()
		}
		return nil
	})
}

// WaitForShutdown blocks until a shutdown signal or fatal background
// error arrives, then runs the registered drain sequence.
func (a *App) WaitForShutdown(drainTimeout time.Duration) error {
	return a.lifecycle.WaitForSignal(drainTimeout)
}

// Context returns the lifecycle-scoped context background tasks (and the
// HTTP server's own shutdown) should observe.
func (a *App) Context() context.Context {
	return a.lifecycle.Context()
}

// TriggerShutdown starts the graceful-shutdown sequence programmatically,
// used when a background task (e.g. the HTTP listener) fails fatally
// instead of waiting for a signal.
func (a *App) TriggerShutdown() {
	a.lifecycle.TriggerShutdown()
}

// Close releases resources that outlive the request/response cycle.
// Idempotent.
func (a *App) Close() {
	if a.Locks != nil {
		a.Locks.ForceReleaseAll()
	}
}
