// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package txn coordinates a unit of work that spans the local store
// and an external service, which cannot share one transaction.
//
// [Execute] runs three phases:
//
//  1. local: a mutation of the local store in its own IMMEDIATE
//     transaction, for example inserting a pending row. Never retried.
//  2. external: a call to the remote service, optionally through the
//     service's circuit breaker and concurrency limiter, retried with
//     backoff when the caller allows it.
//  3. finalize: a second local transaction that records the external
//     result. Never retried.
//
// When a later phase fails, the optional cleanup compensates for the
// phase that already succeeded. After an external failure it receives
// the local result (undo the pending row); after a finalize failure it
// receives the external result (undo the remote resource). See
// [Compensation].
//
// Execute never panics and never returns an error directly: every
// outcome, including a recovered panic, is described by the returned
// [Result].
package txn

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"

	"github.com/enai-computer/enai-sub002/lib/backoff"
	"github.com/enai-computer/enai-sub002/lib/breaker"
	"github.com/enai-computer/enai-sub002/lib/clock"
	"github.com/enai-computer/enai-sub002/lib/limiter"
)

// Transactor runs fn inside a write transaction that commits when fn
// returns nil and rolls back otherwise. Implemented by
// *sqlitepool.Pool.
type Transactor interface {
	Transact(ctx context.Context, fn func(conn *sqlite.Conn) error) error
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Store Transactor

	// Breakers and Limiters may be nil if no caller sets UseBreaker
	// or UseLimiter.
	Breakers *breaker.Registry
	Limiters *limiter.Registry

	// Backoff spaces external-phase retries.
	Backoff *backoff.Policy

	Clock  clock.Clock
	Logger *slog.Logger
}

// Coordinator holds the shared collaborators of every Execute call.
// Safe for concurrent use.
type Coordinator struct {
	store    Transactor
	breakers *breaker.Registry
	limiters *limiter.Registry
	backoff  *backoff.Policy
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a Coordinator. Store and Backoff are required.
func New(config Config) (*Coordinator, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("txn: Store is required")
	}
	if config.Backoff == nil {
		return nil, fmt.Errorf("txn: Backoff is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		store:    config.Store,
		breakers: config.Breakers,
		limiters: config.Limiters,
		backoff:  config.Backoff,
		clock:    config.Clock,
		logger:   logger,
	}, nil
}

// Options controls one Execute call.
type Options[L, E any] struct {
	// Service names the breaker and limiter guarding the external
	// phase. Required when UseBreaker or UseLimiter is set.
	Service string

	UseBreaker bool
	UseLimiter bool

	// Retryable enables retries of the external phase.
	Retryable bool

	// MaxRetries is the total number of external-phase attempts when
	// Retryable is set. Values below 1 mean a single attempt. Errors
	// marked with job.Permanent are never retried.
	MaxRetries int

	// Cleanup compensates for an already-committed phase after a
	// later one fails. It runs with cancellation detached from the
	// caller's context so a shutdown does not leave the compensation
	// half done.
	Cleanup func(ctx context.Context, compensation Compensation[L, E]) error
}

// Compensation tells Cleanup which phase failed and hands it the
// result of the phase before it.
type Compensation[L, E any] struct {
	// FailedPhase is PhaseExternal or PhaseFinalize.
	FailedPhase Phase

	// Local is set when FailedPhase is PhaseExternal.
	Local L

	// External is set when FailedPhase is PhaseFinalize.
	External E
}
