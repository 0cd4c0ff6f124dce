// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/enai-computer/enai-sub002/lib/backoff"
	"github.com/enai-computer/enai-sub002/lib/breaker"
	"github.com/enai-computer/enai-sub002/lib/clock"
	"github.com/enai-computer/enai-sub002/lib/config"
	"github.com/enai-computer/enai-sub002/lib/dispatch"
	"github.com/enai-computer/enai-sub002/lib/eventhub"
	"github.com/enai-computer/enai-sub002/lib/ingest"
	"github.com/enai-computer/enai-sub002/lib/jobqueue"
	"github.com/enai-computer/enai-sub002/lib/jobstore"
	"github.com/enai-computer/enai-sub002/lib/limiter"
	"github.com/enai-computer/enai-sub002/lib/lockfile"
	"github.com/enai-computer/enai-sub002/lib/process"
	"github.com/enai-computer/enai-sub002/lib/service"
	"github.com/enai-computer/enai-sub002/lib/sqlitepool"
	"github.com/enai-computer/enai-sub002/lib/txn"
	"github.com/enai-computer/enai-sub002/lib/version"
	"github.com/enai-computer/enai-sub002/lib/watchdog"
)

// exitLocked is the exit code when another engine holds the store.
const exitLocked = 2

// markerMaxAge bounds how old a leftover run marker may be and still
// be attributed to the previous run.
const markerMaxAge = 30 * 24 * time.Hour

// engine owns every long-lived component of one jobengine process.
type engine struct {
	config *config.Config
	clock  clock.Clock
	logger *slog.Logger

	lock       *lockfile.Lock
	markerPath string

	pool        *sqlitepool.Pool
	store       *jobstore.Store
	hub         *eventhub.Hub
	breakers    *breaker.Registry
	limiters    *limiter.Registry
	coordinator *txn.Coordinator
	queue       *jobqueue.Queue
	dispatcher  *dispatch.Dispatcher
	ingester    *ingest.Ingester

	// submissions throttles job submission across the socket and
	// HTTP surfaces.
	submissions *rate.Limiter
}

// openEngine builds every component from cfg. Processors are
// registered but nothing runs until Run. On error, everything opened
// so far is closed again.
func openEngine(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (_ *engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	e := &engine{
		config:     cfg,
		clock:      clk,
		logger:     logger,
		markerPath: watchdog.Path(cfg.Store.Path),
	}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	e.lock, err = lockfile.Acquire(lockfile.Path(cfg.Store.Path))
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return nil, &process.ExitError{Code: exitLocked, Err: err}
		}
		return nil, err
	}

	e.pool, err = sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	compression, err := jobstore.ParseCompression(cfg.Store.Compression)
	if err != nil {
		return nil, err
	}
	e.store, err = jobstore.Open(ctx, jobstore.Config{
		Pool:              e.pool,
		Compression:       compression,
		CompressThreshold: cfg.Store.CompressThreshold,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	policy, err := backoff.New(cfg.Backoff)
	if err != nil {
		return nil, err
	}
	e.breakers, err = breaker.NewRegistry(breaker.RegistryConfig{
		Defaults: cfg.ServiceDefaults.Breaker,
		Services: cfg.Breakers(),
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	e.limiters, err = limiter.NewRegistry(cfg.ServiceDefaults.Limiter, cfg.Limiters())
	if err != nil {
		return nil, err
	}
	e.coordinator, err = txn.New(txn.Config{
		Store:    e.pool,
		Breakers: e.breakers,
		Limiters: e.limiters,
		Backoff:  policy,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	e.hub = eventhub.New(eventhub.Config{Logger: logger})
	e.queue, err = jobqueue.New(jobqueue.Config{
		Journal: e.store,
		Backoff: policy,
		Events:  e.hub,
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	e.dispatcher, err = dispatch.New(dispatch.Config{
		Queue:       e.queue,
		Breakers:    e.breakers,
		Limiters:    e.limiters,
		Events:      e.hub,
		Concurrency: cfg.Dispatcher.Concurrency,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	e.ingester, err = ingest.New(ctx, ingest.Config{
		Settings:    cfg.Ingest,
		Pool:        e.pool,
		Coordinator: e.coordinator,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if err := e.ingester.Register(e.dispatcher); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.HTTP.SubmitRate > 0 {
		limit = rate.Limit(cfg.HTTP.SubmitRate)
	}
	e.submissions = rate.NewLimiter(limit, max(cfg.HTTP.SubmitBurst, 1))

	return e, nil
}

// Run reconciles unfinished jobs, starts the dispatcher and serves
// the control surfaces until ctx is cancelled. It then stops the
// dispatcher within the configured shutdown timeout.
func (e *engine) Run(ctx context.Context) error {
	previous, unclean, err := watchdog.Check(e.markerPath, e.clock.Now(), markerMaxAge)
	if err != nil {
		e.logger.Warn("unreadable run marker, ignoring", "path", e.markerPath, "error", err)
	}

	report, err := e.dispatcher.Reconcile(ctx, e.store)
	if err != nil {
		return err
	}
	if unclean {
		e.logger.Warn("previous run ended without a clean shutdown",
			"previous_pid", previous.PID,
			"previous_version", previous.Version,
			"previous_started_at", previous.StartedAt,
			"resubmitted", report.Resubmitted,
			"absorbed", report.Absorbed,
			"abandoned", report.Abandoned,
		)
	}

	executable, _ := os.Executable()
	err = watchdog.Write(e.markerPath, watchdog.State{
		Component:  "jobengine",
		PID:        os.Getpid(),
		Executable: executable,
		Version:    version.Info(),
		StartedAt:  e.clock.Now(),
	})
	if err != nil {
		return err
	}

	if err := e.dispatcher.Start(ctx); err != nil {
		return err
	}

	group, groupContext := errgroup.WithContext(ctx)

	socketServer := service.NewSocketServer(e.config.Socket.Path, e.logger)
	e.registerActions(socketServer)
	group.Go(func() error {
		return socketServer.Serve(groupContext)
	})

	if e.config.HTTP.Listen != "" {
		httpServer := service.NewHTTPServer(service.HTTPServerConfig{
			Address:           e.config.HTTP.Listen,
			Handler:           e.router(),
			ShutdownTimeout:   e.config.Dispatcher.ShutdownTimeout,
			ReadHeaderTimeout: e.config.HTTP.ReadHeaderTimeout,
			Logger:            e.logger,
		})
		group.Go(func() error {
			return httpServer.Serve(groupContext)
		})
	}

	group.Go(func() error {
		e.runRetention(groupContext)
		return nil
	})

	serveErr := group.Wait()
	if serveErr != nil {
		e.logger.Error("server failed, shutting down", "error", serveErr)
	} else {
		e.logger.Info("shutting down")
	}

	shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.Dispatcher.ShutdownTimeout)
	defer cancel()
	if err := e.dispatcher.Stop(shutdownContext); err != nil {
		// Jobs are still running, so the next start must treat this
		// run as interrupted. Leave the marker in place.
		return errors.Join(serveErr, err)
	}
	if err := watchdog.Clear(e.markerPath); err != nil {
		e.logger.Warn("clearing run marker", "error", err)
	}
	e.logger.Info("shutdown complete")
	return serveErr
}

// Close releases everything openEngine acquired. Safe to call on a
// partially opened engine.
func (e *engine) Close() {
	if e.queue != nil {
		e.queue.Close()
	}
	if e.hub != nil {
		e.hub.Close()
	}
	if e.pool != nil {
		if err := e.pool.Close(); err != nil {
			e.logger.Warn("closing database", "error", err)
		}
	}
	if e.lock != nil {
		if err := e.lock.Release(); err != nil {
			e.logger.Warn("releasing store lock", "error", err)
		}
	}
}
