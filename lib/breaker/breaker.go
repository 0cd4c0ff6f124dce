// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker guards calls to an external service with a circuit
// breaker.
//
// A breaker starts closed and counts consecutive failures. Reaching
// FailureThreshold opens it: calls fail fast with an [*OpenError]
// without reaching the service. Once ResetTimeout has elapsed since
// the last failure, the next call moves the breaker to half-open and
// is let through as a probe. A successful probe closes the breaker; a
// failed probe, or more than HalfOpenMaxAttempts probes, reopens it
// and restarts the cooldown.
//
// Breakers are owned by a [Registry] keyed by service name. There is
// one registry per engine, built at startup and passed to every
// component that calls out.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/enai-computer/enai-sub002/lib/clock"
	"github.com/enai-computer/enai-sub002/lib/job"
)

// State is the position of a breaker in its state machine.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// ErrOpen matches every *OpenError.
var ErrOpen = errors.New("circuit open")

// OpenError is returned by Execute when the breaker rejects a call
// without invoking it.
type OpenError struct {
	Service string

	// RetryAfter is how long until the breaker will admit a probe.
	// Zero when the breaker reopened because the half-open budget was
	// exhausted and the cooldown just restarted.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for service %q (retry after %v)", e.Service, e.RetryAfter)
}

// Is reports ErrOpen as a match.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that
	// opens the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is the cooldown after the last failure before a
	// probe is admitted.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMaxAttempts is the number of probes admitted while
	// half-open.
	HalfOpenMaxAttempts int `yaml:"half_open_max_attempts"`
}

// DefaultConfig opens after five failures, cools down for thirty
// seconds and admits a single probe.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 1,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker: failure_threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("breaker: reset_timeout must be positive, got %v", c.ResetTimeout)
	}
	if c.HalfOpenMaxAttempts < 1 {
		return fmt.Errorf("breaker: half_open_max_attempts must be at least 1, got %d", c.HalfOpenMaxAttempts)
	}
	return nil
}

// Snapshot is a point-in-time copy of a breaker's counters.
type Snapshot struct {
	Service          string    `json:"service"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	LastFailure      time.Time `json:"last_failure,omitzero"`
	HalfOpenAttempts int       `json:"half_open_attempts"`
}

// Breaker is a circuit breaker for one service. Safe for concurrent
// use.
type Breaker struct {
	service string
	config  Config
	clock   clock.Clock
	logger  *slog.Logger

	mu               sync.Mutex
	state            State
	failureCount     int
	lastFailure      time.Time
	halfOpenAttempts int
}

// New creates a closed breaker. Panics if config is invalid.
func New(service string, config Config, clk clock.Clock, logger *slog.Logger) *Breaker {
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("breaker %q: %v", service, err))
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Breaker{
		service: service,
		config:  config,
		clock:   clk,
		logger:  logger.With("service", service),
		state:   Closed,
	}
}

// Execute runs operation unless the breaker is open. The operation's
// error is returned unchanged. A failure caused by ctx itself being
// cancelled or expiring is not held against the service, and neither
// is a [job.Permanent] error: the service answered, the request was
// wrong.
func (b *Breaker) Execute(ctx context.Context, operation func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			// Panicking operation: count it, let the panic continue.
			b.onFailure()
		}
	}()
	err := operation(ctx)
	completed = true

	switch {
	case err == nil:
		b.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()), job.IsPermanent(err):
		b.onAbandoned()
	default:
		b.onFailure()
	}
	return err
}

// admit decides whether a call may proceed, performing the open to
// half-open and half-open to open transitions.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.state == Open {
		elapsed := now.Sub(b.lastFailure)
		if elapsed < b.config.ResetTimeout {
			return &OpenError{Service: b.service, RetryAfter: b.config.ResetTimeout - elapsed}
		}
		b.transitionLocked(HalfOpen)
		b.halfOpenAttempts = 0
	}

	if b.state == HalfOpen {
		if b.halfOpenAttempts >= b.config.HalfOpenMaxAttempts {
			b.lastFailure = now
			b.transitionLocked(Open)
			return &OpenError{Service: b.service, RetryAfter: b.config.ResetTimeout}
		}
		b.halfOpenAttempts++
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.halfOpenAttempts = 0
	if b.state != Closed {
		b.transitionLocked(Closed)
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailure = b.clock.Now()

	switch b.state {
	case HalfOpen:
		b.transitionLocked(Open)
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionLocked(Open)
		}
	}
}

// onAbandoned returns a half-open probe slot consumed by a call the
// caller gave up on.
func (b *Breaker) onAbandoned() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.halfOpenAttempts > 0 {
		b.halfOpenAttempts--
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	level := slog.LevelInfo
	if to == Open {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		"from", from,
		"to", to,
		"failure_count", b.failureCount,
	)
}

// Snapshot returns the breaker's current counters. An open breaker
// whose cooldown has elapsed still reports Open until the next call.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Service:          b.service,
		State:            b.state,
		FailureCount:     b.failureCount,
		LastFailure:      b.lastFailure,
		HalfOpenAttempts: b.halfOpenAttempts,
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.halfOpenAttempts = 0
	b.lastFailure = time.Time{}
	if b.state != Closed {
		b.transitionLocked(Closed)
	}
	b.logger.Info("circuit breaker reset")
}
