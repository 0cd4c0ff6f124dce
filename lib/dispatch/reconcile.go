// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/jobqueue"
)

// Recovered is the durable job record Reconcile reads from.
// Implemented by *jobstore.Store.
type Recovered interface {
	ListNonTerminal(ctx context.Context) ([]job.Job, error)
	Record(ctx context.Context, record job.Job) error
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	// Resubmitted jobs are queued again under their original ID.
	Resubmitted int

	// Absorbed jobs matched a job already held under the same key. A
	// stored duplicate with a different ID is recorded as failed.
	Absorbed int

	// Abandoned jobs could not be resubmitted (no processor, invalid
	// payload) and were recorded as failed.
	Abandoned int
}

// Reconcile resubmits every job a previous run left queued,
// processing or retry-scheduled, as if it had just been submitted:
// the attempt counter starts over and the stored record is updated in
// place under the same ID. Jobs that can no longer run are recorded
// as failed. Call it after registering processors and before Start.
func (d *Dispatcher) Reconcile(ctx context.Context, store Recovered) (ReconcileReport, error) {
	var report ReconcileReport
	pending, err := store.ListNonTerminal(ctx)
	if err != nil {
		return report, fmt.Errorf("dispatch: reconcile: listing unfinished jobs: %w", err)
	}

	for _, stored := range pending {
		logger := d.logger.With("job_id", stored.ID, "job_type", stored.Type, "previous_status", stored.Status)

		held, created, err := d.submit(ctx, jobqueue.Submission{
			ID:          stored.ID,
			Type:        stored.Type,
			ResourceKey: stored.ResourceKey,
			Payload:     stored.Payload,
			Priority:    stored.Priority,
			MaxAttempts: stored.MaxAttempts,
		})
		switch {
		case err == nil && created:
			report.Resubmitted++
			logger.Info("reconciled unfinished job")

		case err == nil:
			report.Absorbed++
			logger.Info("unfinished job absorbed by an existing job with the same key", "held_job_id", held.ID)
			if held.ID == stored.ID {
				continue
			}
			superseded := stored
			superseded.Status = job.StatusFailed
			superseded.ErrorInfo = "superseded by job " + held.ID
			superseded.UpdatedAt = d.clock.Now()
			if recordErr := store.Record(ctx, superseded); recordErr != nil {
				return report, fmt.Errorf("dispatch: reconcile: recording superseded job %s: %w", stored.ID, recordErr)
			}

		case errors.Is(err, jobqueue.ErrClosed) || ctx.Err() != nil:
			return report, fmt.Errorf("dispatch: reconcile: %w", err)

		default:
			abandoned := stored
			abandoned.Status = job.StatusFailed
			abandoned.ErrorInfo = job.SanitizeMessage("not resumable after restart: " + err.Error())
			abandoned.UpdatedAt = d.clock.Now()
			if recordErr := store.Record(ctx, abandoned); recordErr != nil {
				return report, fmt.Errorf("dispatch: reconcile: recording abandoned job %s: %w", stored.ID, recordErr)
			}
			report.Abandoned++
			logger.Warn("unfinished job abandoned", "error", err)
			d.events.Publish(job.Event{
				Kind:    job.EventFailed,
				JobID:   abandoned.ID,
				JobType: abandoned.Type,
				Status:  abandoned.Status,
				Error:   abandoned.ErrorInfo,
				Time:    abandoned.UpdatedAt,
			})
		}
	}

	d.logger.Info("reconciliation complete",
		"resubmitted", report.Resubmitted,
		"absorbed", report.Absorbed,
		"abandoned", report.Abandoned,
	)
	return report, nil
}
