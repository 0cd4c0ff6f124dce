// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch runs queued jobs on a bounded pool of workers.
//
// Each job type has exactly one registered [Processor]. The
// dispatcher loop takes a worker slot, pulls the next ready job from
// the queue, marks it processing, and runs its processor on its own
// goroutine. The outcome is routed back to the queue, which decides
// between success, a scheduled retry, or terminal failure, and every
// transition is published as a lifecycle event.
//
// Processors are expected to use the transaction coordinator (package
// txn) for any work that mixes the local store with an external call;
// the dispatcher itself does not care what a processor does.
//
// A dispatched job is never cancelled: [Dispatcher.Stop] stops
// pulling new work and waits for running processors to return.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/enai-computer/enai-sub002/lib/breaker"
	"github.com/enai-computer/enai-sub002/lib/clock"
	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/jobqueue"
	"github.com/enai-computer/enai-sub002/lib/limiter"
)

// ErrUnknownJobType is returned when submitting a job type with no
// registered processor.
var ErrUnknownJobType = errors.New("dispatch: no processor registered for job type")

// ErrInvalidPayload is returned when a submitted payload does not
// decode into its job type's payload struct or fails validation.
var ErrInvalidPayload = errors.New("dispatch: payload rejected")

// DefaultConcurrency is the worker count when Config.Concurrency is
// unset.
const DefaultConcurrency = 4

// EventSink receives lifecycle events. Implemented by *eventhub.Hub.
type EventSink = job.EventSink

// ProgressFunc reports a processor's progress as a fraction in
// [0, 1] with an optional message.
type ProgressFunc func(fraction float64, message string)

// Outcome is what a successful processor run reports.
type Outcome struct {
	// RelatedResourceID names the domain object the job produced.
	RelatedResourceID string
}

// Processor executes one attempt of a job. An error wrapped with
// job.Permanent is not retried.
type Processor func(ctx context.Context, current job.Job, progress ProgressFunc) (Outcome, error)

// Config holds the collaborators of a Dispatcher.
type Config struct {
	// Queue is required.
	Queue *jobqueue.Queue

	// Breakers and Limiters back the control operations. They are the
	// same registries the transaction coordinator uses.
	Breakers *breaker.Registry
	Limiters *limiter.Registry

	// Events receives lifecycle events. Nil discards them.
	Events EventSink

	// Concurrency is the number of jobs run at once.
	Concurrency int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats describes the dispatcher's current load.
type Stats struct {
	Concurrency int            `json:"concurrency"`
	Busy        int            `json:"busy"`
	Queue       jobqueue.Stats `json:"queue"`
	JobTypes    []string       `json:"job_types"`
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	queue    *jobqueue.Queue
	breakers *breaker.Registry
	limiters *limiter.Registry
	events   EventSink
	clock    clock.Clock
	logger   *slog.Logger

	slots chan struct{}

	registryMu sync.RWMutex
	processors map[string]registration

	lifecycleMu sync.Mutex
	stopLoop    context.CancelFunc
	loopDone    chan struct{}
	inFlight    sync.WaitGroup
}

// New creates a stopped Dispatcher.
func New(config Config) (*Dispatcher, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("dispatch: Queue is required")
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if config.Events == nil {
		config.Events = job.DiscardEvents{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		queue:      config.Queue,
		breakers:   config.Breakers,
		limiters:   config.Limiters,
		events:     config.Events,
		clock:      config.Clock,
		logger:     logger,
		slots:      make(chan struct{}, concurrency),
		processors: make(map[string]registration),
	}, nil
}

// Start launches the dispatch loop. Jobs keep running on a context
// detached from ctx; cancelling ctx only stops the loop from pulling
// more work.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.stopLoop != nil {
		return fmt.Errorf("dispatch: already started")
	}

	loopContext, stopLoop := context.WithCancel(ctx)
	d.stopLoop = stopLoop
	d.loopDone = make(chan struct{})
	go d.run(loopContext, context.WithoutCancel(ctx))

	d.logger.Info("dispatcher started", "concurrency", cap(d.slots), "job_types", d.JobTypes())
	return nil
}

// Stop stops pulling new jobs and waits for running jobs to finish or
// ctx to expire. The dispatcher can be started again afterwards.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.stopLoop == nil {
		return nil
	}

	d.stopLoop()
	<-d.loopDone
	d.stopLoop = nil

	drained := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: stop: %d jobs still running: %w", len(d.slots), ctx.Err())
	}
}

func (d *Dispatcher) run(ctx context.Context, jobContext context.Context) {
	defer close(d.loopDone)
	for {
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		// select picks randomly when both cases are ready.
		if ctx.Err() != nil {
			<-d.slots
			return
		}

		next, ok := d.queue.NextReady()
		if !ok {
			<-d.slots
			select {
			case <-d.queue.Ready():
				continue
			case <-ctx.Done():
				return
			}
		}

		d.inFlight.Add(1)
		go d.execute(jobContext, next)
	}
}

// execute runs one attempt of a job. It owns one slot.
func (d *Dispatcher) execute(ctx context.Context, next job.Job) {
	defer func() {
		<-d.slots
		d.inFlight.Done()
	}()

	logger := d.logger.With("job_id", next.ID, "job_type", next.Type)

	current, err := d.queue.MarkStatus(ctx, next.ID, jobqueue.Transition{Status: job.StatusProcessing})
	if err != nil {
		logger.Error("marking job processing failed", "error", err)
		return
	}
	d.publishTransition(current)
	logger.Info("job started", "attempt", current.Attempt, "max_attempts", current.MaxAttempts)

	started := d.clock.Now()
	outcome, err := d.invoke(ctx, current)
	elapsed := d.clock.Now().Sub(started)

	if err == nil {
		finished, markErr := d.queue.MarkStatus(ctx, current.ID, jobqueue.Transition{
			Status:            job.StatusSucceeded,
			RelatedResourceID: outcome.RelatedResourceID,
		})
		if markErr != nil {
			logger.Error("marking job succeeded failed", "error", markErr)
			return
		}
		d.publishTransition(finished)
		d.events.Publish(job.Event{
			Kind:              job.EventCompleted,
			JobID:             finished.ID,
			JobType:           finished.Type,
			Status:            finished.Status,
			RelatedResourceID: finished.RelatedResourceID,
			Time:              finished.UpdatedAt,
		})
		logger.Info("job succeeded",
			"attempt", finished.Attempt,
			"related_resource_id", finished.RelatedResourceID,
			"duration", elapsed,
		)
		return
	}

	finished, markErr := d.queue.MarkStatus(ctx, current.ID, jobqueue.Transition{
		Status: job.StatusFailed,
		Err:    err,
	})
	if markErr != nil {
		logger.Error("marking job failed failed", "error", markErr, "job_error", err)
		return
	}
	d.publishTransition(finished)
	if finished.Status == job.StatusFailed {
		d.events.Publish(job.Event{
			Kind:    job.EventFailed,
			JobID:   finished.ID,
			JobType: finished.Type,
			Status:  finished.Status,
			Error:   finished.ErrorInfo,
			Time:    finished.UpdatedAt,
		})
		logger.Warn("job failed",
			"attempt", finished.Attempt,
			"permanent", job.IsPermanent(err),
			"error", finished.ErrorInfo,
			"duration", elapsed,
		)
		return
	}
	logger.Info("job attempt failed, retry scheduled",
		"attempt", finished.Attempt,
		"max_attempts", finished.MaxAttempts,
		"error", finished.ErrorInfo,
	)
}

// invoke runs the registered processor, converting a panic into a
// permanent error.
func (d *Dispatcher) invoke(ctx context.Context, current job.Job) (outcome Outcome, err error) {
	d.registryMu.RLock()
	registered, ok := d.processors[current.Type]
	d.registryMu.RUnlock()
	if !ok {
		return Outcome{}, job.Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, current.Type))
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("processor panicked",
				"job_id", current.ID,
				"job_type", current.Type,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			err = job.Permanent(fmt.Errorf("processor panicked: %v", recovered))
		}
	}()

	progress := func(fraction float64, message string) {
		d.events.Publish(job.Event{
			Kind:     job.EventProgress,
			JobID:    current.ID,
			JobType:  current.Type,
			Status:   job.StatusProcessing,
			Progress: min(max(fraction, 0), 1),
			Message:  message,
			Time:     d.clock.Now(),
		})
	}
	return registered.process(ctx, current, progress)
}

func (d *Dispatcher) publishTransition(current job.Job) {
	event := job.Event{
		Kind:    job.EventProgress,
		JobID:   current.ID,
		JobType: current.Type,
		Status:  current.Status,
		Error:   current.ErrorInfo,
		Time:    current.UpdatedAt,
	}
	if current.Status == job.StatusSucceeded {
		event.Progress = 1
	}
	d.events.Publish(event)
}

// CircuitBreakerState reports the named service's breaker.
func (d *Dispatcher) CircuitBreakerState(service string) breaker.Snapshot {
	if d.breakers == nil {
		return breaker.Snapshot{Service: service, State: breaker.Closed}
	}
	snapshot, _ := d.breakers.Snapshot(service)
	return snapshot
}

// CircuitBreakers reports every breaker in use.
func (d *Dispatcher) CircuitBreakers() []breaker.Snapshot {
	if d.breakers == nil {
		return nil
	}
	return d.breakers.Snapshots()
}

// ResetCircuitBreaker forces the named service's breaker closed.
// Returns false if the service has no breaker.
func (d *Dispatcher) ResetCircuitBreaker(service string) bool {
	if d.breakers == nil {
		return false
	}
	reset := d.breakers.Reset(service)
	if reset {
		d.logger.Info("circuit breaker reset by operator", "service", service)
	}
	return reset
}

// LimiterStats reports the named service's concurrency limiter.
func (d *Dispatcher) LimiterStats(service string) limiter.Stats {
	if d.limiters == nil {
		return limiter.Stats{Service: service}
	}
	stats, _ := d.limiters.Stats(service)
	return stats
}

// Limiters reports every limiter in use.
func (d *Dispatcher) Limiters() []limiter.Stats {
	if d.limiters == nil {
		return nil
	}
	return d.limiters.AllStats()
}

// Stats reports worker occupancy and queue depth.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Concurrency: cap(d.slots),
		Busy:        len(d.slots),
		Queue:       d.queue.Stats(),
		JobTypes:    d.JobTypes(),
	}
}

// Get returns a job the queue still holds.
func (d *Dispatcher) Get(id string) (job.Job, bool) {
	return d.queue.Get(id)
}
