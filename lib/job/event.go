// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package job

import "time"

// EventKind names a lifecycle notification.
type EventKind string

const (
	// EventProgress accompanies every status transition and every
	// progress report from a processor.
	EventProgress EventKind = "job:progress"

	// EventCompleted is emitted once when a job succeeds.
	EventCompleted EventKind = "worker:completed"

	// EventFailed is emitted once when a job fails terminally.
	EventFailed EventKind = "worker:failed"
)

// Terminal reports whether the event marks the end of a job.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed
}

// Event is a lifecycle notification for one job.
type Event struct {
	Kind    EventKind `json:"kind" cbor:"kind"`
	JobID   string    `json:"job_id" cbor:"job_id"`
	JobType string    `json:"job_type,omitempty" cbor:"job_type,omitempty"`
	Status  Status    `json:"status,omitempty" cbor:"status,omitempty"`

	// Progress is a fraction in [0, 1] on progress events.
	Progress float64 `json:"progress,omitempty" cbor:"progress,omitempty"`

	// Message is free-form progress text from the processor.
	Message string `json:"message,omitempty" cbor:"message,omitempty"`

	RelatedResourceID string `json:"related_resource_id,omitempty" cbor:"related_resource_id,omitempty"`

	// Error is sanitized and bounded by MaxErrorLength.
	Error string `json:"error,omitempty" cbor:"error,omitempty"`

	Time time.Time `json:"time" cbor:"time"`
}

// EventSink receives lifecycle events. Publish must not block on a
// slow consumer.
type EventSink interface {
	Publish(event Event)
}

// DiscardEvents is an EventSink that drops everything.
type DiscardEvents struct{}

// Publish does nothing.
func (DiscardEvents) Publish(Event) {}
