// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobqueue holds the engine's pending and in-flight jobs.
//
// The queue enforces the dedup invariant: at most one job per
// (type, resource key) is queued, waiting for a retry, or running.
// A duplicate submission returns the existing job instead of creating
// a second one. The entry is released when the job reaches a terminal
// status, after which the same key may be submitted again.
//
// Ready jobs are served highest priority first, FIFO within a
// priority. A failed job with attempts left moves to retry-scheduled
// and is requeued by a timer after the backoff delay for its attempt
// count.
//
// Every transition is written to a [Journal] (the durable job store)
// so a restarted engine can reconcile unfinished work. Submission
// fails if the journal write fails; a failed journal write for a
// later transition is logged and the in-memory transition stands.
package jobqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/enai-computer/enai-sub002/lib/backoff"
	"github.com/enai-computer/enai-sub002/lib/clock"
	"github.com/enai-computer/enai-sub002/lib/codec"
	"github.com/enai-computer/enai-sub002/lib/job"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("jobqueue: closed")

	// ErrNotFound is returned by MarkStatus for an ID the queue does
	// not hold, including jobs that already reached a terminal status.
	ErrNotFound = errors.New("jobqueue: job not found")

	// ErrInvalidTransition is returned by MarkStatus when the requested
	// status cannot follow the job's current one.
	ErrInvalidTransition = errors.New("jobqueue: invalid status transition")
)

// Journal persists job records. Implemented by *jobstore.Store.
type Journal interface {
	Record(ctx context.Context, record job.Job) error
}

// Config holds the collaborators of a Queue.
type Config struct {
	// Journal is required.
	Journal Journal

	// Backoff delays retries of failed jobs. Required.
	Backoff *backoff.Policy

	// Events receives a job:progress event when a retry timer
	// requeues a job. Nil discards them.
	Events job.EventSink

	Clock  clock.Clock
	Logger *slog.Logger
}

// Submission describes a job to enqueue.
type Submission struct {
	// ID reuses an existing job ID, as reconciliation does. Empty
	// generates a new one.
	ID string

	Type        string
	ResourceKey string
	Payload     codec.RawMessage
	Priority    int

	// MaxAttempts below 1 means job.DefaultMaxAttempts.
	MaxAttempts int
}

// Transition is a status change requested by the dispatcher.
type Transition struct {
	// Status is StatusProcessing, StatusSucceeded or StatusFailed.
	Status job.Status

	// Err is the failure, for StatusFailed.
	Err error

	// RelatedResourceID is recorded on StatusSucceeded.
	RelatedResourceID string
}

// Stats counts the jobs the queue currently holds.
type Stats struct {
	Queued         int `json:"queued"`
	Processing     int `json:"processing"`
	RetryScheduled int `json:"retry_scheduled"`
}

type entry struct {
	job      job.Job
	sequence uint64
	retry    *clock.Timer
}

// Queue is safe for concurrent use.
type Queue struct {
	journal Journal
	backoff *backoff.Policy
	events  job.EventSink
	clock   clock.Clock
	logger  *slog.Logger

	notify chan struct{}

	mu       sync.Mutex
	byID     map[string]*entry
	byKey    map[job.Key]*entry
	ready    readyHeap
	sequence uint64
	closed   bool
}

// New creates an empty queue.
func New(config Config) (*Queue, error) {
	if config.Journal == nil {
		return nil, fmt.Errorf("jobqueue: Journal is required")
	}
	if config.Backoff == nil {
		return nil, fmt.Errorf("jobqueue: Backoff is required")
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
	return &Queue{
		journal: config.Journal,
		backoff: config.Backoff,
		events:  config.Events,
		clock:   config.Clock,
		logger:  logger,
		notify:  make(chan struct{}, 1),
		byID:    make(map[string]*entry),
		byKey:   make(map[job.Key]*entry),
	}, nil
}

// Submit enqueues a job unless one with the same key is already held,
// in which case the existing job is returned with created false.
func (q *Queue) Submit(ctx context.Context, submission Submission) (job.Job, bool, error) {
	if submission.Type == "" {
		return job.Job{}, false, fmt.Errorf("jobqueue: submission has no type")
	}
	if submission.ResourceKey == "" {
		return job.Job{}, false, fmt.Errorf("jobqueue: %s submission has no resource key", submission.Type)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return job.Job{}, false, ErrClosed
	}
	key := job.Key{Type: submission.Type, ResourceKey: submission.ResourceKey}
	if existing, ok := q.byKey[key]; ok {
		q.logger.Debug("duplicate submission absorbed",
			"job_id", existing.job.ID,
			"job_type", key.Type,
			"resource_key", key.ResourceKey,
			"status", existing.job.Status,
		)
		return existing.job, false, nil
	}

	id := submission.ID
	if id == "" {
		id = job.NewID()
	}
	if _, taken := q.byID[id]; taken {
		return job.Job{}, false, fmt.Errorf("jobqueue: job %s is already queued under another key", id)
	}
	maxAttempts := submission.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = job.DefaultMaxAttempts
	}
	now := q.clock.Now()
	created := job.Job{
		ID:          id,
		Type:        submission.Type,
		ResourceKey: submission.ResourceKey,
		Payload:     submission.Payload,
		Status:      job.StatusQueued,
		MaxAttempts: maxAttempts,
		Priority:    submission.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.journal.Record(ctx, created); err != nil {
		return job.Job{}, false, fmt.Errorf("jobqueue: journaling job %s: %w", id, err)
	}

	q.sequence++
	added := &entry{job: created, sequence: q.sequence}
	q.byID[id] = added
	q.byKey[key] = added
	heap.Push(&q.ready, added)
	q.signal()

	q.logger.Info("job queued",
		"job_id", id,
		"job_type", created.Type,
		"resource_key", created.ResourceKey,
		"priority", created.Priority,
	)
	return created, true, nil
}

// NextReady removes and returns the highest-priority queued job. The
// job stays held under its key until it reaches a terminal status.
func (q *Queue) NextReady() (job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() == 0 {
		return job.Job{}, false
	}
	next := heap.Pop(&q.ready).(*entry)
	return next.job, true
}

// MarkStatus applies a transition and returns the updated job.
//
//   - StatusProcessing (from queued) increments Attempt.
//   - StatusSucceeded (from processing) is terminal and releases the key.
//   - StatusFailed (from processing) becomes StatusRetryScheduled when
//     attempts remain and the error is not permanent; otherwise it is
//     terminal and releases the key.
func (q *Queue) MarkStatus(ctx context.Context, id string, transition Transition) (job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.byID[id]
	if !ok {
		return job.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := current.job.Status
	updated := current.job

	switch transition.Status {
	case job.StatusProcessing:
		if from != job.StatusQueued {
			return job.Job{}, fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, from, transition.Status, id)
		}
		updated.Attempt++
		updated.ErrorInfo = ""

	case job.StatusSucceeded:
		if from != job.StatusProcessing {
			return job.Job{}, fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, from, transition.Status, id)
		}
		updated.ErrorInfo = ""
		updated.RelatedResourceID = transition.RelatedResourceID

	case job.StatusFailed:
		if from != job.StatusProcessing {
			return job.Job{}, fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, from, transition.Status, id)
		}
		updated.ErrorInfo = job.SanitizeError(transition.Err)
		if updated.ErrorInfo == "" {
			updated.ErrorInfo = "unknown error"
		}

	default:
		return job.Job{}, fmt.Errorf("%w: %s cannot be requested", ErrInvalidTransition, transition.Status)
	}

	updated.Status = transition.Status
	retry := transition.Status == job.StatusFailed &&
		updated.Attempt < updated.MaxAttempts &&
		!job.IsPermanent(transition.Err)
	if retry {
		updated.Status = job.StatusRetryScheduled
	}
	updated.UpdatedAt = q.clock.Now()
	current.job = updated

	if updated.Status.Terminal() {
		delete(q.byID, id)
		delete(q.byKey, updated.Key())
	}
	if retry && !q.closed {
		delay := q.backoff.Delay(updated.Attempt)
		current.retry = q.clock.AfterFunc(delay, func() { q.requeue(id) })
		q.logger.Info("job retry scheduled",
			"job_id", id,
			"job_type", updated.Type,
			"attempt", updated.Attempt,
			"max_attempts", updated.MaxAttempts,
			"delay", delay,
			"error", updated.ErrorInfo,
		)
	}

	q.record(ctx, updated)
	return updated, nil
}

// requeue moves a retry-scheduled job back to queued when its timer
// fires.
func (q *Queue) requeue(id string) {
	q.mu.Lock()
	current, ok := q.byID[id]
	if !ok || current.job.Status != job.StatusRetryScheduled || q.closed {
		q.mu.Unlock()
		return
	}
	current.retry = nil
	current.job.Status = job.StatusQueued
	current.job.UpdatedAt = q.clock.Now()
	q.sequence++
	current.sequence = q.sequence
	heap.Push(&q.ready, current)
	requeued := current.job
	q.record(context.Background(), requeued)
	q.signal()
	q.mu.Unlock()

	q.events.Publish(job.Event{
		Kind:    job.EventProgress,
		JobID:   requeued.ID,
		JobType: requeued.Type,
		Status:  requeued.Status,
		Time:    requeued.UpdatedAt,
	})
}

// record journals a transition. Caller holds q.mu so records for one
// job reach the journal in transition order.
func (q *Queue) record(ctx context.Context, updated job.Job) {
	if err := q.journal.Record(ctx, updated); err != nil {
		q.logger.Error("journaling job transition failed",
			"job_id", updated.ID,
			"status", updated.Status,
			"error", err,
		)
	}
}

// signal wakes the dispatcher. Caller holds q.mu.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value after a job becomes
// ready. Signals coalesce: one receive may stand for several jobs, so
// the receiver should call NextReady until it reports none.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}

// Get returns a held job by ID.
func (q *Queue) Get(id string) (job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.byID[id]
	if !ok {
		return job.Job{}, false
	}
	return current.job, true
}

// Len returns the number of held (non-terminal) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Stats counts held jobs by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var stats Stats
	for _, held := range q.byID {
		switch held.job.Status {
		case job.StatusQueued:
			stats.Queued++
		case job.StatusProcessing:
			stats.Processing++
		case job.StatusRetryScheduled:
			stats.RetryScheduled++
		}
	}
	return stats
}

// Close rejects further submissions and stops pending retry timers.
// In-flight jobs may still be marked. Jobs left retry-scheduled stay
// in the journal with that status for reconciliation.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	stopped := 0
	for _, held := range q.byID {
		if held.retry != nil && held.retry.Stop() {
			stopped++
		}
		held.retry = nil
	}
	q.logger.Info("job queue closed", "held_jobs", len(q.byID), "retry_timers_stopped", stopped)
}
