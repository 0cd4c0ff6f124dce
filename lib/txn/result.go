// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"errors"
	"fmt"
	"time"
)

// Phase names a step of Execute.
type Phase string

const (
	PhaseLocal    Phase = "local"
	PhaseExternal Phase = "external"
	PhaseFinalize Phase = "finalize"
	PhaseCleanup  Phase = "cleanup"
)

// Result is the outcome of Execute.
type Result[F any] struct {
	Success bool

	// Data is the finalize phase's result. Zero unless Success.
	Data F

	// Err is a *PhaseError when Success is false.
	Err error

	// FailedPhase is the phase whose failure ended the execution.
	FailedPhase Phase

	// RollbackPerformed reports that Cleanup ran and returned nil.
	RollbackPerformed bool

	// CleanupErr is Cleanup's error, if it ran and failed.
	CleanupErr error

	// RetryCount is the 0-indexed external attempt that succeeded, or
	// the number of retries made before giving up.
	RetryCount int

	Duration time.Duration
}

// PhaseError attributes a failure to the phase that produced it.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("txn: %s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// PanicError is a panic recovered from a phase or cleanup function.
type PanicError struct {
	Phase Phase
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s phase: %v", e.Phase, e.Value)
}

// FailedIn reports whether err is a *PhaseError for phase.
func FailedIn(err error, phase Phase) bool {
	var phaseError *PhaseError
	return errors.As(err, &phaseError) && phaseError.Phase == phase
}
