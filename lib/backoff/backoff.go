// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff computes capped exponential retry delays with
// proportional jitter.
//
// The delay for attempt n (1-based) is
//
//	min(Base * 2^(n-1), Cap) + jitter
//
// where jitter is drawn uniformly from [0, JitterFraction * backoff].
// Both the transaction coordinator's external-call retries and the
// job queue's retry scheduling use the same Policy, so a job's retry
// cadence is configured in one place.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// MaxJitterFraction bounds JitterFraction. Jitter above 30% of the
// backoff starts to erase the exponential shape.
const MaxJitterFraction = 0.3

// Config describes a Policy. The zero value is not valid; use
// DefaultConfig or fill every field.
type Config struct {
	// Base is the delay before the second attempt.
	Base time.Duration `yaml:"base"`

	// Cap bounds the exponential term. Jitter is added on top, so
	// the largest possible delay is Cap * (1 + JitterFraction).
	Cap time.Duration `yaml:"cap"`

	// JitterFraction is the upper bound of the random addition as a
	// fraction of the backoff. Must be within [0, MaxJitterFraction].
	JitterFraction float64 `yaml:"jitter_fraction"`

	// Seed fixes the random source. Zero seeds from the runtime.
	Seed uint64 `yaml:"-"`
}

// DefaultConfig returns a one second base, thirty second cap and 30%
// jitter.
func DefaultConfig() Config {
	return Config{
		Base:           time.Second,
		Cap:            30 * time.Second,
		JitterFraction: MaxJitterFraction,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Base <= 0 {
		return fmt.Errorf("backoff: base must be positive, got %v", c.Base)
	}
	if c.Cap < c.Base {
		return fmt.Errorf("backoff: cap (%v) must not be less than base (%v)", c.Cap, c.Base)
	}
	if c.JitterFraction < 0 || c.JitterFraction > MaxJitterFraction {
		return fmt.Errorf("backoff: jitter_fraction must be within [0, %v], got %v",
			MaxJitterFraction, c.JitterFraction)
	}
	return nil
}

// Policy computes retry delays. Safe for concurrent use.
type Policy struct {
	base   time.Duration
	cap    time.Duration
	jitter float64

	mu     sync.Mutex
	random *rand.Rand
}

// New builds a Policy from a validated config.
func New(config Config) (*Policy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Policy{
		base:   config.Base,
		cap:    config.Cap,
		jitter: config.JitterFraction,
		random: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Delay returns the wait before retrying after the given attempt.
// Attempts below 1 are treated as 1.
func (p *Policy) Delay(attempt int) time.Duration {
	delay := p.Backoff(attempt)
	if p.jitter == 0 {
		return delay
	}
	p.mu.Lock()
	fraction := p.random.Float64()
	p.mu.Unlock()
	return delay + time.Duration(fraction*p.jitter*float64(delay))
}

// Backoff returns the exponential term of Delay without jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.base
	for range attempt - 1 {
		// Doubling past cap, or past int64, saturates.
		if delay >= p.cap || delay > p.cap/2 {
			return p.cap
		}
		delay *= 2
	}
	return min(delay, p.cap)
}
