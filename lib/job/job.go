// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package job defines the unit of work shared by the queue, the
// dispatcher, the durable store and the service surfaces.
//
// A job is identified by a random ID and deduplicated by its [Key]:
// the pair of job type and resource key. At most one job per key is
// queued, waiting for a retry, or running at any time.
package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/enai-computer/enai-sub002/lib/codec"
)

// Status is a job's lifecycle position.
//
//	queued -> processing -> succeeded
//	                     -> failed
//	                     -> retry-scheduled -> queued
type Status string

const (
	StatusQueued         Status = "queued"
	StatusProcessing     Status = "processing"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusRetryScheduled Status = "retry-scheduled"
)

// Terminal reports whether no further transition can follow.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSucceeded, StatusFailed, StatusRetryScheduled:
		return true
	}
	return false
}

// Key is the dedup identity of a job.
type Key struct {
	Type        string
	ResourceKey string
}

func (k Key) String() string {
	return k.Type + "/" + k.ResourceKey
}

// DefaultMaxAttempts is used when a submission does not set one.
const DefaultMaxAttempts = 3

// Job is one unit of work.
type Job struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	ResourceKey string `json:"resource_key"`

	// Payload is the CBOR encoding of the job type's payload struct.
	Payload codec.RawMessage `json:"-"`

	Status      Status `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Priority    int    `json:"priority"`

	// ErrorInfo is the sanitized message of the last failure. Empty
	// unless Status is failed or retry-scheduled.
	ErrorInfo string `json:"error_info,omitempty"`

	// RelatedResourceID names what a successful run produced, such as
	// the document row a fetch created.
	RelatedResourceID string `json:"related_resource_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the job's dedup identity.
func (j Job) Key() Key {
	return Key{Type: j.Type, ResourceKey: j.ResourceKey}
}

// NewID returns a fresh random job ID.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id parses as a UUID.
func ValidID(id string) bool {
	return uuid.Validate(id) == nil
}
