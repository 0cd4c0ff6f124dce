// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"zombiezen.com/go/sqlite"

	"github.com/enai-computer/enai-sub002/lib/job"
)

// Execute runs local, external and finalize as described in the
// package documentation. L, E and F are the result types of the three
// phases.
//
// Misconfigured options (UseBreaker without Service, or without a
// breaker registry) panic.
func Execute[L, E, F any](
	ctx context.Context,
	coordinator *Coordinator,
	local func(conn *sqlite.Conn) (L, error),
	external func(ctx context.Context, local L) (E, error),
	finalize func(conn *sqlite.Conn, local L, external E) (F, error),
	options Options[L, E],
) Result[F] {
	coordinator.checkOptions(options.Service, options.UseBreaker, options.UseLimiter)

	started := coordinator.clock.Now()
	logger := coordinator.logger.With("service", options.Service)
	finish := func(result Result[F]) Result[F] {
		result.Duration = coordinator.clock.Now().Sub(started)
		return result
	}

	var localResult L
	err := coordinator.store.Transact(ctx, func(conn *sqlite.Conn) error {
		return protect(PhaseLocal, func() error {
			var err error
			localResult, err = local(conn)
			return err
		})
	})
	if err != nil {
		logger.Warn("local phase failed", "error", err)
		return finish(Result[F]{
			Err:         &PhaseError{Phase: PhaseLocal, Err: err},
			FailedPhase: PhaseLocal,
		})
	}

	externalResult, retryCount, err := runExternal(ctx, coordinator, external, localResult, options)
	if err != nil {
		logger.Warn("external phase failed",
			"attempts", retryCount+1,
			"error", err,
		)
		result := Result[F]{
			Err:         &PhaseError{Phase: PhaseExternal, Err: err},
			FailedPhase: PhaseExternal,
			RetryCount:  retryCount,
		}
		result.RollbackPerformed, result.CleanupErr = runCleanup(ctx, coordinator, options.Service, options.Cleanup, Compensation[L, E]{
			FailedPhase: PhaseExternal,
			Local:       localResult,
		})
		return finish(result)
	}

	// The external side effect already exists; record it even if the
	// caller has gone away.
	var finalResult F
	err = coordinator.store.Transact(context.WithoutCancel(ctx), func(conn *sqlite.Conn) error {
		return protect(PhaseFinalize, func() error {
			var err error
			finalResult, err = finalize(conn, localResult, externalResult)
			return err
		})
	})
	if err != nil {
		logger.Error("finalize phase failed after external success", "error", err)
		result := Result[F]{
			Err:         &PhaseError{Phase: PhaseFinalize, Err: err},
			FailedPhase: PhaseFinalize,
			RetryCount:  retryCount,
		}
		result.RollbackPerformed, result.CleanupErr = runCleanup(ctx, coordinator, options.Service, options.Cleanup, Compensation[L, E]{
			FailedPhase: PhaseFinalize,
			External:    externalResult,
		})
		return finish(result)
	}

	return finish(Result[F]{
		Success:    true,
		Data:       finalResult,
		RetryCount: retryCount,
	})
}

// runExternal calls external until it succeeds, the attempt budget
// runs out, the error is permanent, or ctx is done. It returns the
// 0-indexed number of the last attempt made.
func runExternal[L, E any](
	ctx context.Context,
	coordinator *Coordinator,
	external func(ctx context.Context, local L) (E, error),
	localResult L,
	options Options[L, E],
) (E, int, error) {
	maxAttempts := 1
	if options.Retryable && options.MaxRetries > 1 {
		maxAttempts = options.MaxRetries
	}

	var result E
	for attempt := 0; ; attempt++ {
		err := coordinator.guard(ctx, options.Service, options.UseBreaker, options.UseLimiter, func(ctx context.Context) error {
			return protect(PhaseExternal, func() error {
				var err error
				result, err = external(ctx, localResult)
				return err
			})
		})
		if err == nil {
			return result, attempt, nil
		}

		var panicError *PanicError
		if attempt+1 >= maxAttempts || job.IsPermanent(err) || errors.As(err, &panicError) || ctx.Err() != nil {
			var zero E
			return zero, attempt, err
		}

		delay := coordinator.backoff.Delay(attempt + 1)
		coordinator.logger.Info("retrying external phase",
			"service", options.Service,
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-coordinator.clock.After(delay):
		case <-ctx.Done():
			var zero E
			return zero, attempt, fmt.Errorf("%w (retry abandoned: %v)", err, ctx.Err())
		}
	}
}

// guard wraps operation in the service's breaker and limiter. The
// breaker is outermost so an open circuit rejects the call without
// occupying a limiter slot.
func (c *Coordinator) guard(ctx context.Context, service string, useBreaker, useLimiter bool, operation func(ctx context.Context) error) error {
	call := operation
	if useLimiter {
		serviceLimiter := c.limiters.Get(service)
		call = func(ctx context.Context) error {
			return serviceLimiter.Do(ctx, operation)
		}
	}
	if useBreaker {
		return c.breakers.Get(service).Execute(ctx, call)
	}
	return call(ctx)
}

// runCleanup invokes cleanup, if any, and reports whether it
// completed. A failing cleanup is logged; the original phase error
// stays the result's Err.
func runCleanup[L, E any](
	ctx context.Context,
	coordinator *Coordinator,
	service string,
	cleanup func(ctx context.Context, compensation Compensation[L, E]) error,
	compensation Compensation[L, E],
) (bool, error) {
	if cleanup == nil {
		return false, nil
	}
	err := protect(PhaseCleanup, func() error {
		return cleanup(context.WithoutCancel(ctx), compensation)
	})
	if err != nil {
		coordinator.logger.Error("compensating cleanup failed",
			"service", service,
			"failed_phase", compensation.FailedPhase,
			"error", err,
		)
		return false, err
	}
	coordinator.logger.Info("compensating cleanup completed",
		"service", service,
		"failed_phase", compensation.FailedPhase,
	)
	return true, nil
}

func (c *Coordinator) checkOptions(service string, useBreaker, useLimiter bool) {
	if (useBreaker || useLimiter) && service == "" {
		panic("txn: Options.Service is required with UseBreaker or UseLimiter")
	}
	if useBreaker && c.breakers == nil {
		panic("txn: UseBreaker set on a Coordinator without a breaker registry")
	}
	if useLimiter && c.limiters == nil {
		panic("txn: UseLimiter set on a Coordinator without a limiter registry")
	}
}

// protect converts a panic in fn into a *PanicError.
func protect(phase Phase, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Phase: phase, Value: recovered, Stack: debug.Stack()}
		}
	}()
	return fn()
}
