// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the engine's injectable time source.
//
// Retry backoff, breaker cooldowns, scheduled requeues and retention
// sweeps all read time through a [Clock] so tests can drive them
// deterministically. Production wiring passes [Real]; tests pass
// [Fake] and move time forward with [FakeClock.Advance]:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go coordinatorCall(fake)          // sleeps a backoff delay
//	fake.WaitForTimers(1)             // the sleep is now registered
//	fake.Advance(2 * time.Second)     // and fires
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock

import "time"

// Clock abstracts the time operations used by the engine.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed and returns a Timer that
	// can cancel the call. Real clocks run f on its own goroutine;
	// the fake clock runs it synchronously inside Advance.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the pending call. Returns false if the call already
// ran or the timer was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
