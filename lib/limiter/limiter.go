// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package limiter bounds the number of concurrent calls to an
// external service.
//
// A [Limiter] admits at most MaxConcurrent holders. Further callers
// queue in arrival order and are granted freed slots oldest first.
// Callers should prefer [Limiter.Do], which releases on every path
// including panics, over pairing Acquire and Release by hand.
package limiter

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Config tunes one limiter.
type Config struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultConfig admits four concurrent calls.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 4}
}

// Validate reports an invalid MaxConcurrent.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("limiter: max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	return nil
}

// Stats is a point-in-time view of a limiter.
type Stats struct {
	Service       string `json:"service"`
	Active        int    `json:"active"`
	Waiting       int    `json:"waiting"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// Limiter is a FIFO counting gate. Safe for concurrent use.
type Limiter struct {
	service       string
	maxConcurrent int
	slots         *semaphore.Weighted

	active  atomic.Int64
	waiting atomic.Int64
}

// New creates a limiter. Panics if config is invalid.
func New(service string, config Config) *Limiter {
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("limiter %q: %v", service, err))
	}
	return &Limiter{
		service:       service,
		maxConcurrent: config.MaxConcurrent,
		slots:         semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// Acquire takes a slot, waiting behind earlier callers if none is
// free. On error (ctx done) no slot is held.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.waiting.Add(1)
	err := l.slots.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return fmt.Errorf("limiter: %s: waiting for slot: %w", l.service, err)
	}
	l.active.Add(1)
	return nil
}

// Release frees a slot taken by Acquire. Releasing a slot that is not
// held is a programming error and panics.
func (l *Limiter) Release() {
	if l.active.Add(-1) < 0 {
		l.active.Add(1)
		panic(fmt.Sprintf("limiter %q: Release without matching Acquire", l.service))
	}
	l.slots.Release(1)
}

// Do runs fn while holding a slot.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// Stats reports current occupancy.
func (l *Limiter) Stats() Stats {
	return Stats{
		Service:       l.service,
		Active:        int(l.active.Load()),
		Waiting:       int(l.waiting.Load()),
		MaxConcurrent: l.maxConcurrent,
	}
}
