// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/enai-computer/enai-sub002/lib/breaker"
	"github.com/enai-computer/enai-sub002/lib/codec"
	"github.com/enai-computer/enai-sub002/lib/dispatch"
	"github.com/enai-computer/enai-sub002/lib/ingest"
	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/limiter"
	"github.com/enai-computer/enai-sub002/lib/version"
)

type submitResult struct {
	JobID   string     `json:"job_id"`
	Created bool       `json:"created"`
	Status  job.Status `json:"status"`
}

// jobView mirrors the engine's status response. The payload is kept
// as CBOR until it is rendered.
type jobView struct {
	job.Job
	Payload codec.RawMessage `cbor:"payload" json:"-"`
}

// renderedView is a jobView with its payload converted to JSON.
type renderedView struct {
	job.Job
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (v jobView) render() (renderedView, error) {
	rendered := renderedView{Job: v.Job}
	if len(v.Payload) == 0 {
		return rendered, nil
	}
	payload, err := codec.ToJSON(v.Payload)
	if err != nil {
		return renderedView{}, fmt.Errorf("rendering payload of job %s: %w", v.ID, err)
	}
	rendered.Payload = payload
	return rendered, nil
}

type statsResult struct {
	Dispatcher dispatch.Stats     `json:"dispatcher"`
	Stored     map[job.Status]int `json:"stored"`
	Version    version.Build      `json:"version"`
}

func submitCommand() *command {
	var (
		payload     string
		priority    int
		maxAttempts int
	)
	usage := "jobctl submit <job-type> <resource-key> [--payload JSON] [--priority N] [--max-attempts N]"
	return &command{
		name:    "submit",
		summary: "Queue a job",
		usage:   usage,
		flags: func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&payload, "payload", "", "job payload as a JSON document")
			flagSet.IntVar(&priority, "priority", 0, "dispatch priority; higher runs first")
			flagSet.IntVar(&maxAttempts, "max-attempts", 0, "whole-job attempts before failing (0: engine default)")
		},
		run: func(ctx context.Context, session *session, args []string) error {
			if err := requireArgs(args, 2, usage); err != nil {
				return err
			}
			encoded, err := codec.FromJSON([]byte(payload))
			if err != nil {
				return fmt.Errorf("--payload: %w", err)
			}
			var result submitResult
			err = session.client.Call(ctx, "submit", map[string]any{
				"job_type":     args[0],
				"resource_key": args[1],
				"payload":      encoded,
				"priority":     priority,
				"max_attempts": maxAttempts,
			}, &result)
			if err != nil {
				return err
			}
			if session.json {
				return writeJSON(session.out, result)
			}
			if result.Created {
				fmt.Fprintf(session.out, "queued %s\n", result.JobID)
			} else {
				fmt.Fprintf(session.out, "already held as %s (%s)\n", result.JobID, result.Status)
			}
			return nil
		},
	}
}

func statusCommand() *command {
	usage := "jobctl status <job-id>"
	return &command{
		name:    "status",
		summary: "Show one job",
		usage:   usage,
		run: func(ctx context.Context, session *session, args []string) error {
			if err := requireArgs(args, 1, usage); err != nil {
				return err
			}
			var view jobView
			if err := session.client.Call(ctx, "status", map[string]any{"id": args[0]}, &view); err != nil {
				return err
			}
			rendered, err := view.render()
			if err != nil {
				return err
			}
			if session.json {
				return writeJSON(session.out, rendered)
			}
			writer := tabwriter.NewWriter(session.out, 2, 0, 2, ' ', 0)
			fmt.Fprintf(writer, "id:\t%s\n", view.ID)
			fmt.Fprintf(writer, "type:\t%s\n", view.Type)
			fmt.Fprintf(writer, "resource:\t%s\n", view.ResourceKey)
			fmt.Fprintf(writer, "status:\t%s\n", view.Status)
			fmt.Fprintf(writer, "attempt:\t%d/%d\n", view.Attempt, view.MaxAttempts)
			fmt.Fprintf(writer, "priority:\t%d\n", view.Priority)
			if view.ErrorInfo != "" {
				fmt.Fprintf(writer, "error:\t%s\n", view.ErrorInfo)
			}
			if view.RelatedResourceID != "" {
				fmt.Fprintf(writer, "related:\t%s\n", view.RelatedResourceID)
			}
			fmt.Fprintf(writer, "created:\t%s\n", formatTime(view.CreatedAt))
			fmt.Fprintf(writer, "updated:\t%s\n", formatTime(view.UpdatedAt))
			if rendered.Payload != nil {
				fmt.Fprintf(writer, "payload:\t%s\n", rendered.Payload)
			}
			return writer.Flush()
		},
	}
}

func listCommand() *command {
	var (
		status  string
		jobType string
		limit   int
	)
	return &command{
		name:    "list",
		summary: "List stored jobs, newest first",
		usage:   "jobctl list [--status STATUS] [--type TYPE] [--limit N]",
		flags: func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&status, "status", "", "only jobs in this status")
			flagSet.StringVar(&jobType, "type", "", "only jobs of this type")
			flagSet.IntVar(&limit, "limit", 0, "maximum number of jobs (0: engine default)")
		},
		run: func(ctx context.Context, session *session, args []string) error {
			var jobs []job.Job
			err := session.client.Call(ctx, "list", map[string]any{
				"status":   status,
				"job_type": jobType,
				"limit":    limit,
			}, &jobs)
			if err != nil {
				return err
			}
			if session.json {
				return writeJSON(session.out, jobs)
			}
			writer := tabwriter.NewWriter(session.out, 2, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tTYPE\tSTATUS\tATTEMPT\tRESOURCE\tUPDATED")
			for _, listed := range jobs {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					listed.ID, listed.Type, listed.Status, listed.Attempt, listed.MaxAttempts,
					listed.ResourceKey, formatTime(listed.UpdatedAt))
			}
			return writer.Flush()
		},
	}
}

func breakersCommand() *command {
	return &command{
		name:    "breakers",
		summary: "Show circuit breaker state",
		usage:   "jobctl breakers [service]",
		run: func(ctx context.Context, session *session, args []string) error {
			var snapshots []breaker.Snapshot
			if len(args) > 0 {
				var snapshot breaker.Snapshot
				if err := session.client.Call(ctx, "breakers", map[string]any{"service": args[0]}, &snapshot); err != nil {
					return err
				}
				snapshots = append(snapshots, snapshot)
			} else if err := session.client.Call(ctx, "breakers", nil, &snapshots); err != nil {
				return err
			}
			if session.json {
				return writeJSON(session.out, snapshots)
			}
			writeBreakers(session.out, snapshots)
			return nil
		},
	}
}

func writeBreakers(out io.Writer, snapshots []breaker.Snapshot) {
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Service < snapshots[j].Service })
	writer := tabwriter.NewWriter(out, 2, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "SERVICE\tSTATE\tFAILURES\tLAST FAILURE")
	for _, snapshot := range snapshots {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n", snapshot.Service, snapshot.State, snapshot.FailureCount, formatTime(snapshot.LastFailure))
	}
	writer.Flush()
}

func resetCommand() *command {
	usage := "jobctl reset <service>"
	return &command{
		name:    "reset",
		summary: "Force a service's circuit breaker closed",
		usage:   usage,
		run: func(ctx context.Context, session *session, args []string) error {
			if err := requireArgs(args, 1, usage); err != nil {
				return err
			}
			var snapshot breaker.Snapshot
			if err := session.client.Call(ctx, "breaker-reset", map[string]any{"service": args[0]}, &snapshot); err != nil {
				return err
			}
			if session.json {
				return writeJSON(session.out, snapshot)
			}
			fmt.Fprintf(session.out, "%s: %s\n", snapshot.Service, snapshot.State)
			return nil
		},
	}
}

func limitersCommand() *command {
	return &command{
		name:    "limiters",
		summary: "Show per-service concurrency limits",
		usage:   "jobctl limiters [service]",
		run: func(ctx context.Context, session *session, args []string) error {
			var stats []limiter.Stats
			if len(args) > 0 {
				var single limiter.Stats
				if err := session.client.Call(ctx, "limiters", map[string]any{"service": args[0]}, &single); err != nil {
					return err
				}
				stats = append(stats, single)
			} else if err := session.client.Call(ctx, "limiters", nil, &stats); err != nil {
				return err
			}
			if session.json {
				return writeJSON(session.out, stats)
			}
			sort.Slice(stats, func(i, j int) bool { return stats[i].Service < stats[j].Service })
			writer := tabwriter.NewWriter(session.out, 2, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "SERVICE\tACTIVE\tWAITING\tMAX")
			for _, entry := range stats {
				fmt.Fprintf(writer, "%s\t%d\t%d\t%d\n", entry.Service, entry.Active, entry.Waiting, entry.MaxConcurrent)
			}
			return writer.Flush()
		},
	}
}

func statsCommand() *command {
	return &command{
		name:    "stats",
		summary: "Show worker load, queue depth and stored job counts",
		usage:   "jobctl stats",
		run: func(ctx context.Context, session *session, args []string) error {
			var stats statsResult
			if err := session.client.Call(ctx, "stats", nil, &stats); err != nil {
				return err
			}
			if session.json {
				return writeJSON(session.out, stats)
			}
			writer := tabwriter.NewWriter(session.out, 2, 0, 2, ' ', 0)
			fmt.Fprintf(writer, "workers:\t%d/%d busy\n", stats.Dispatcher.Busy, stats.Dispatcher.Concurrency)
			fmt.Fprintf(writer, "queued:\t%d\n", stats.Dispatcher.Queue.Queued)
			fmt.Fprintf(writer, "processing:\t%d\n", stats.Dispatcher.Queue.Processing)
			fmt.Fprintf(writer, "retry-scheduled:\t%d\n", stats.Dispatcher.Queue.RetryScheduled)
			for _, status := range []job.Status{job.StatusSucceeded, job.StatusFailed} {
				fmt.Fprintf(writer, "stored %s:\t%d\n", status, stats.Stored[status])
			}
			fmt.Fprintf(writer, "job types:\t%v\n", stats.Dispatcher.JobTypes)
			fmt.Fprintf(writer, "engine:\t%s\n", stats.Version)
			return writer.Flush()
		},
	}
}

func documentCommand() *command {
	usage := "jobctl document <document-id>"
	return &command{
		name:    "document",
		summary: "Show an ingested document",
		usage:   usage,
		run: func(ctx context.Context, session *session, args []string) error {
			if err := requireArgs(args, 1, usage); err != nil {
				return err
			}
			var document ingest.Document
			if err := session.client.Call(ctx, "document", map[string]any{"id": args[0]}, &document); err != nil {
				return err
			}
			if session.json {
				return writeJSON(session.out, document)
			}
			writer := tabwriter.NewWriter(session.out, 2, 0, 2, ' ', 0)
			fmt.Fprintf(writer, "id:\t%s\n", document.ID)
			fmt.Fprintf(writer, "url:\t%s\n", document.URL)
			fmt.Fprintf(writer, "status:\t%s\n", document.Status)
			fmt.Fprintf(writer, "title:\t%s\n", document.Title)
			fmt.Fprintf(writer, "size:\t%d\n", document.Size)
			fmt.Fprintf(writer, "hash:\t%s\n", document.ContentHash)
			if document.RemoteID != "" {
				fmt.Fprintf(writer, "remote id:\t%s\n", document.RemoteID)
			}
			return writer.Flush()
		},
	}
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}
