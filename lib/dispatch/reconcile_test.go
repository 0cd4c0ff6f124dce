// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/enai-computer/enai-sub002/lib/codec"
	"github.com/enai-computer/enai-sub002/lib/dispatch"
	"github.com/enai-computer/enai-sub002/lib/job"
)

func TestReconcileResubmitsUnfinishedJobs(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	completed := make(chan string, 4)
	dispatch.Register(h.dispatcher, "fetch-url",
		func(_ context.Context, current job.Job, payload pagePayload, _ dispatch.ProgressFunc) (dispatch.Outcome, error) {
			completed <- payload.URL
			return dispatch.Outcome{}, nil
		}, validatePage)

	payload, err := codec.Marshal(pagePayload{URL: "https://example.test/a"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	crashed := time.Date(2026, 6, 30, 23, 0, 0, 0, time.UTC)
	interrupted := job.Job{
		ID: job.NewID(), Type: "fetch-url", ResourceKey: "https://example.test/a", Payload: payload,
		Status: job.StatusProcessing, Attempt: 2, MaxAttempts: 3, CreatedAt: crashed, UpdatedAt: crashed,
	}
	orphaned := job.Job{
		ID: job.NewID(), Type: "transcode", ResourceKey: "video-1",
		Status: job.StatusQueued, MaxAttempts: 3, CreatedAt: crashed, UpdatedAt: crashed,
	}
	finished := job.Job{
		ID: job.NewID(), Type: "fetch-url", ResourceKey: "https://example.test/done", Payload: payload,
		Status: job.StatusSucceeded, Attempt: 1, MaxAttempts: 3, CreatedAt: crashed, UpdatedAt: crashed,
	}
	for _, record := range []job.Job{interrupted, orphaned, finished} {
		if err := h.store.Record(ctx, record); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	report, err := h.dispatcher.Reconcile(ctx, h.store)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Resubmitted != 1 || report.Abandoned != 1 || report.Absorbed != 0 {
		t.Fatalf("report = %+v", report)
	}

	requeued, ok := h.queue.Get(interrupted.ID)
	if !ok || requeued.Status != job.StatusQueued || requeued.Attempt != 0 {
		t.Fatalf("requeued = %+v (%v), want queued under the original ID with attempts reset", requeued, ok)
	}
	abandoned, err := h.store.Get(ctx, orphaned.ID)
	if err != nil || abandoned.Status != job.StatusFailed || abandoned.ErrorInfo == "" {
		t.Fatalf("orphaned job = %+v, %v; want failed with a reason", abandoned, err)
	}

	h.start(t)
	h.waitFor(t, job.EventCompleted, interrupted.ID)

	stored, err := h.store.Get(ctx, interrupted.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != job.StatusSucceeded || stored.Attempt != 1 || !stored.CreatedAt.Equal(crashed) {
		t.Errorf("stored = %+v, want succeeded in place with the original creation time", stored)
	}
}

func TestReconcileLetsTheDedupKeyAbsorbDuplicates(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.dispatcher.RegisterProcessor("fetch-url", func(context.Context, job.Job, dispatch.ProgressFunc) (dispatch.Outcome, error) {
		return dispatch.Outcome{}, nil
	})

	fresh, _, err := h.dispatcher.SubmitRaw(ctx, "fetch-url", "https://example.test/a", nil, dispatch.SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}
	stale := job.Job{
		ID: job.NewID(), Type: "fetch-url", ResourceKey: "https://example.test/a",
		Status: job.StatusRetryScheduled, Attempt: 1, MaxAttempts: 3,
		CreatedAt: time.Unix(0, 0).UTC(), UpdatedAt: time.Unix(0, 0).UTC(),
	}
	if err := h.store.Record(ctx, stale); err != nil {
		t.Fatalf("Record: %v", err)
	}

	report, err := h.dispatcher.Reconcile(ctx, h.store)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// The freshly submitted job is itself non-terminal in the store and
	// is absorbed by its own queue entry.
	if report.Absorbed != 2 || report.Resubmitted != 0 {
		t.Fatalf("report = %+v", report)
	}
	if h.queue.Len() != 1 {
		t.Errorf("queue holds %d jobs, want only %s", h.queue.Len(), fresh.ID)
	}
	superseded, err := h.store.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if superseded.Status != job.StatusFailed || superseded.ErrorInfo != "superseded by job "+fresh.ID {
		t.Errorf("stale record = %+v, want failed and superseded", superseded)
	}
}
