// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/enai-computer/enai-sub002/lib/codec"
	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/jobqueue"
)

type registration struct {
	process Processor

	// validate checks a payload at submission. Nil accepts anything.
	validate func(payload codec.RawMessage) error
}

// RegisterProcessor installs the processor for jobType. Payloads are
// passed through undecoded and not checked at submission; prefer
// Register for typed payloads.
func (d *Dispatcher) RegisterProcessor(jobType string, process Processor) error {
	if process == nil {
		return fmt.Errorf("dispatch: nil processor for %q", jobType)
	}
	return d.register(jobType, registration{process: process})
}

func (d *Dispatcher) register(jobType string, registered registration) error {
	if jobType == "" {
		return fmt.Errorf("dispatch: job type is required")
	}
	d.registryMu.Lock()
	defer d.registryMu.Unlock()
	if _, exists := d.processors[jobType]; exists {
		return fmt.Errorf("dispatch: processor for %q already registered", jobType)
	}
	d.processors[jobType] = registered
	return nil
}

// JobTypes returns the registered job types, sorted.
func (d *Dispatcher) JobTypes() []string {
	d.registryMu.RLock()
	defer d.registryMu.RUnlock()
	types := make([]string, 0, len(d.processors))
	for jobType := range d.processors {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}

// TypedProcessor is a Processor that receives its payload decoded.
type TypedProcessor[P any] func(ctx context.Context, current job.Job, payload P, progress ProgressFunc) (Outcome, error)

// Register installs a processor whose payloads decode into P. The
// payload is decoded and validated at submission, so a malformed
// payload is rejected before it is queued; validate may be nil. A
// payload that fails to decode at run time (a stored job from an
// older payload shape) fails the job permanently.
func Register[P any](d *Dispatcher, jobType string, process TypedProcessor[P], validate func(P) error) error {
	if process == nil {
		return fmt.Errorf("dispatch: nil processor for %q", jobType)
	}
	decode := func(raw codec.RawMessage) (P, error) {
		var payload P
		if err := codec.Unmarshal(raw, &payload); err != nil {
			return payload, fmt.Errorf("decoding %s payload: %w", jobType, err)
		}
		if validate != nil {
			if err := validate(payload); err != nil {
				return payload, fmt.Errorf("invalid %s payload: %w", jobType, err)
			}
		}
		return payload, nil
	}
	return d.register(jobType, registration{
		process: func(ctx context.Context, current job.Job, progress ProgressFunc) (Outcome, error) {
			payload, err := decode(current.Payload)
			if err != nil {
				return Outcome{}, job.Permanent(err)
			}
			return process(ctx, current, payload, progress)
		},
		validate: func(raw codec.RawMessage) error {
			_, err := decode(raw)
			return err
		},
	})
}

// SubmitOptions are the optional parts of a submission.
type SubmitOptions struct {
	// Priority orders ready jobs; higher runs first.
	Priority int

	// MaxAttempts bounds whole-job retries. Zero uses
	// job.DefaultMaxAttempts.
	MaxAttempts int
}

// SubmitRaw queues a job whose payload is already CBOR-encoded. If a
// job with the same type and resource key is already held, that job
// is returned with created false.
func (d *Dispatcher) SubmitRaw(ctx context.Context, jobType, resourceKey string, payload codec.RawMessage, options SubmitOptions) (job.Job, bool, error) {
	return d.submit(ctx, jobqueue.Submission{
		Type:        jobType,
		ResourceKey: resourceKey,
		Payload:     payload,
		Priority:    options.Priority,
		MaxAttempts: options.MaxAttempts,
	})
}

func (d *Dispatcher) submit(ctx context.Context, submission jobqueue.Submission) (job.Job, bool, error) {
	d.registryMu.RLock()
	registered, ok := d.processors[submission.Type]
	d.registryMu.RUnlock()
	if !ok {
		return job.Job{}, false, fmt.Errorf("%w: %q", ErrUnknownJobType, submission.Type)
	}
	if registered.validate != nil {
		if err := registered.validate(submission.Payload); err != nil {
			return job.Job{}, false, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	}

	submitted, created, err := d.queue.Submit(ctx, submission)
	if err != nil {
		return job.Job{}, false, err
	}
	if created {
		d.publishTransition(submitted)
	}
	return submitted, created, nil
}

// Submit encodes payload and queues a job, returning its ID. A
// duplicate submission returns the ID of the job already held for the
// same type and resource key.
func Submit[P any](ctx context.Context, d *Dispatcher, jobType, resourceKey string, payload P, options SubmitOptions) (string, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("dispatch: encoding %s payload: %w", jobType, err)
	}
	submitted, _, err := d.SubmitRaw(ctx, jobType, resourceKey, encoded, options)
	if err != nil {
		return "", err
	}
	return submitted.ID, nil
}
