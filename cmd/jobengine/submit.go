// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/enai-computer/enai-sub002/lib/codec"
	"github.com/enai-computer/enai-sub002/lib/dispatch"
	"github.com/enai-computer/enai-sub002/lib/ingest"
	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/jobstore"
	"github.com/enai-computer/enai-sub002/lib/version"
)

var (
	// errBadRequest marks a request the caller must fix.
	errBadRequest = errors.New("bad request")

	// errNotFound marks a lookup of something that does not exist.
	errNotFound = errors.New("not found")

	// errThrottled is returned when submissions exceed the configured
	// rate.
	errThrottled = errors.New("submission rate exceeded, retry later")
)

// submitRequest is a job submission from either surface. Payload is
// the CBOR encoding of the job type's payload struct.
type submitRequest struct {
	JobType     string           `cbor:"job_type"`
	ResourceKey string           `cbor:"resource_key"`
	Payload     codec.RawMessage `cbor:"payload"`
	Priority    int              `cbor:"priority"`
	MaxAttempts int              `cbor:"max_attempts"`
}

type submitResponse struct {
	JobID   string     `json:"job_id"`
	Created bool       `json:"created"`
	Status  job.Status `json:"status"`
}

func (e *engine) submit(ctx context.Context, request submitRequest) (submitResponse, error) {
	if request.JobType == "" {
		return submitResponse{}, fmt.Errorf("%w: job_type is required", errBadRequest)
	}
	if request.ResourceKey == "" {
		return submitResponse{}, fmt.Errorf("%w: resource_key is required", errBadRequest)
	}
	if request.MaxAttempts < 0 {
		return submitResponse{}, fmt.Errorf("%w: max_attempts must not be negative", errBadRequest)
	}
	if len(request.Payload) == 0 {
		null, err := codec.Marshal(nil)
		if err != nil {
			return submitResponse{}, err
		}
		request.Payload = null
	}
	if !e.submissions.Allow() {
		return submitResponse{}, errThrottled
	}

	submitted, created, err := e.dispatcher.SubmitRaw(ctx, request.JobType, request.ResourceKey, request.Payload, dispatch.SubmitOptions{
		Priority:    request.Priority,
		MaxAttempts: request.MaxAttempts,
	})
	if err != nil {
		return submitResponse{}, err
	}
	return submitResponse{JobID: submitted.ID, Created: created, Status: submitted.Status}, nil
}

// jobView is a job with its payload decoded for display.
type jobView struct {
	job.Job
	Payload any `json:"payload,omitempty"`
}

func newJobView(current job.Job) jobView {
	view := jobView{Job: current}
	if len(current.Payload) > 0 {
		var payload any
		if err := codec.Unmarshal(current.Payload, &payload); err == nil {
			view.Payload = payload
		}
	}
	return view
}

// lookup prefers the queue's live copy of a job over the stored one.
func (e *engine) lookup(ctx context.Context, id string) (jobView, error) {
	if !job.ValidID(id) {
		return jobView{}, fmt.Errorf("%w: %q is not a job ID", errBadRequest, id)
	}
	if held, ok := e.dispatcher.Get(id); ok {
		return newJobView(held), nil
	}
	stored, err := e.store.Get(ctx, id)
	if errors.Is(err, jobstore.ErrNotFound) {
		return jobView{}, fmt.Errorf("%w: job %s", errNotFound, id)
	}
	if err != nil {
		return jobView{}, err
	}
	return newJobView(stored), nil
}

type listRequest struct {
	Status  string `cbor:"status"`
	JobType string `cbor:"job_type"`
	Limit   int    `cbor:"limit"`
}

func (e *engine) list(ctx context.Context, request listRequest) ([]job.Job, error) {
	status := job.Status(request.Status)
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", errBadRequest, request.Status)
	}
	if request.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", errBadRequest)
	}
	jobs, err := e.store.List(ctx, jobstore.Filter{Status: status, Type: request.JobType, Limit: request.Limit})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	return jobs, nil
}

func (e *engine) resetBreaker(service string) error {
	if service == "" {
		return fmt.Errorf("%w: service is required", errBadRequest)
	}
	if !e.dispatcher.ResetCircuitBreaker(service) {
		return fmt.Errorf("%w: no circuit breaker for service %q", errNotFound, service)
	}
	return nil
}

type statsView struct {
	Dispatcher dispatch.Stats     `json:"dispatcher"`
	Stored     map[job.Status]int `json:"stored"`
	Version    version.Build      `json:"version"`
}

func (e *engine) stats(ctx context.Context) (statsView, error) {
	counts, err := e.store.Counts(ctx)
	if err != nil {
		return statsView{}, err
	}
	return statsView{
		Dispatcher: e.dispatcher.Stats(),
		Stored:     counts,
		Version:    version.Current(),
	}, nil
}

func (e *engine) document(ctx context.Context, id string) (ingest.Document, error) {
	document, err := e.ingester.Document(ctx, id)
	if errors.Is(err, ingest.ErrDocumentNotFound) {
		return ingest.Document{}, fmt.Errorf("%w: document %s", errNotFound, id)
	}
	return document, err
}
