// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobstore is the durable record of every job the engine has
// accepted.
//
// The in-memory queue is authoritative while the engine runs; the
// store is its journal. Each transition the queue makes is upserted
// here, so after a crash the engine can find the jobs that were
// queued, running or waiting for a retry and submit them again.
// Terminal records stay for inspection until retention purges them.
//
// Payloads above a size threshold are compressed with LZ4 or zstd;
// the algorithm and original size are stored next to the bytes.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/sqlitepool"
)

// ErrNotFound is returned by Get for an unknown ID.
var ErrNotFound = errors.New("jobstore: job not found")

const schema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id                  TEXT PRIMARY KEY,
		job_type            TEXT NOT NULL,
		resource_key        TEXT NOT NULL,
		dedup_digest        BLOB NOT NULL,
		payload             BLOB,
		payload_compression TEXT NOT NULL DEFAULT 'none',
		payload_size        INTEGER NOT NULL DEFAULT 0,
		status              TEXT NOT NULL,
		attempt             INTEGER NOT NULL DEFAULT 0,
		max_attempts        INTEGER NOT NULL,
		priority            INTEGER NOT NULL DEFAULT 0,
		error_info          TEXT,
		related_resource_id TEXT,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS jobs_dedup ON jobs (dedup_digest, status);
	CREATE INDEX IF NOT EXISTS jobs_status_updated ON jobs (status, updated_at);
	CREATE INDEX IF NOT EXISTS jobs_created ON jobs (created_at);
`

const selectColumns = `id, job_type, resource_key, payload, payload_compression, payload_size,
	status, attempt, max_attempts, priority, error_info, related_resource_id, created_at, updated_at`

// DefaultCompressThreshold is the payload size above which payloads
// are compressed.
const DefaultCompressThreshold = 1024

// Config holds the parameters for a Store.
type Config struct {
	// Pool is the engine's database. Required.
	Pool *sqlitepool.Pool

	// Compression applies to payloads larger than CompressThreshold.
	// Defaults to CompressionZstd.
	Compression Compression

	// CompressThreshold defaults to DefaultCompressThreshold.
	CompressThreshold int

	Logger *slog.Logger
}

// Store persists job records. Safe for concurrent use.
type Store struct {
	pool              *sqlitepool.Pool
	compression       Compression
	compressThreshold int
	logger            *slog.Logger
}

// Open creates the jobs table if needed and returns a Store.
func Open(ctx context.Context, config Config) (*Store, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("jobstore: Pool is required")
	}
	if config.Compression == "" {
		config.Compression = CompressionZstd
	}
	if _, err := ParseCompression(string(config.Compression)); err != nil {
		return nil, err
	}
	if config.CompressThreshold <= 0 {
		config.CompressThreshold = DefaultCompressThreshold
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	err := config.Pool.Transact(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("jobstore: creating schema: %w", err)
	}

	return &Store{
		pool:              config.Pool,
		compression:       config.Compression,
		compressThreshold: config.CompressThreshold,
		logger:            logger,
	}, nil
}

// Record inserts the job or replaces the stored copy with the same ID.
func (s *Store) Record(ctx context.Context, record job.Job) error {
	payload, compression := s.encodePayload(record.Payload)
	var payloadColumn any
	if payload != nil {
		payloadColumn = payload
	}
	digest := DedupDigest(record.Key())

	err := s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO jobs (id, job_type, resource_key, dedup_digest, payload,
				payload_compression, payload_size, status, attempt, max_attempts,
				priority, error_info, related_resource_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				job_type = excluded.job_type,
				resource_key = excluded.resource_key,
				dedup_digest = excluded.dedup_digest,
				payload = excluded.payload,
				payload_compression = excluded.payload_compression,
				payload_size = excluded.payload_size,
				status = excluded.status,
				attempt = excluded.attempt,
				max_attempts = excluded.max_attempts,
				priority = excluded.priority,
				error_info = excluded.error_info,
				related_resource_id = excluded.related_resource_id,
				updated_at = excluded.updated_at
		`, &sqlitex.ExecOptions{
			Args: []any{
				record.ID,
				record.Type,
				record.ResourceKey,
				digest[:],
				payloadColumn,
				string(compression),
				len(record.Payload),
				string(record.Status),
				record.Attempt,
				record.MaxAttempts,
				record.Priority,
				nullable(record.ErrorInfo),
				nullable(record.RelatedResourceID),
				record.CreatedAt.UnixNano(),
				record.UpdatedAt.UnixNano(),
			},
		})
	})
	if err != nil {
		return fmt.Errorf("jobstore: recording job %s: %w", record.ID, err)
	}
	return nil
}

// encodePayload compresses payloads over the threshold. A payload
// that does not shrink is stored as-is.
func (s *Store) encodePayload(payload []byte) ([]byte, Compression) {
	if len(payload) == 0 {
		return nil, CompressionNone
	}
	if len(payload) <= s.compressThreshold || s.compression == CompressionNone {
		return payload, CompressionNone
	}
	compressed, err := compressPayload(payload, s.compression)
	if err != nil {
		if !errors.Is(err, errIncompressible) {
			s.logger.Warn("payload compression failed, storing uncompressed",
				"compression", s.compression,
				"error", err,
			)
		}
		return payload, CompressionNone
	}
	return compressed, s.compression
}

// Get returns the stored job with the given ID.
func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	jobs, err := s.query(ctx, "SELECT "+selectColumns+" FROM jobs WHERE id = ?", id)
	if err != nil {
		return job.Job{}, err
	}
	if len(jobs) == 0 {
		return job.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return jobs[0], nil
}

// FindActive returns the most recently updated non-terminal job for
// key, if any.
func (s *Store) FindActive(ctx context.Context, key job.Key) (job.Job, bool, error) {
	digest := DedupDigest(key)
	jobs, err := s.query(ctx, "SELECT "+selectColumns+` FROM jobs
		WHERE dedup_digest = ? AND status NOT IN ('succeeded', 'failed')
		ORDER BY updated_at DESC`, digest[:])
	if err != nil {
		return job.Job{}, false, err
	}
	for _, candidate := range jobs {
		// Guard against digest collisions.
		if candidate.Key() == key {
			return candidate, true, nil
		}
	}
	return job.Job{}, false, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status job.Status
	Type   string

	// Limit defaults to 100.
	Limit int
}

// List returns matching jobs, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]job.Job, error) {
	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		conditions = append(conditions, "job_type = ?")
		args = append(args, filter.Type)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + selectColumns + " FROM jobs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)
	return s.query(ctx, query, args...)
}

// ListNonTerminal returns every job left queued, processing or
// retry-scheduled, highest priority then oldest first. This is the
// reconciliation input after a restart.
func (s *Store) ListNonTerminal(ctx context.Context) ([]job.Job, error) {
	return s.query(ctx, "SELECT "+selectColumns+` FROM jobs
		WHERE status NOT IN ('succeeded', 'failed')
		ORDER BY priority DESC, created_at ASC, id`)
}

// Counts returns the number of stored jobs per status.
func (s *Store) Counts(ctx context.Context) (map[job.Status]int, error) {
	counts := make(map[job.Status]int)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT status, COUNT(*) FROM jobs GROUP BY status", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[job.Status(stmt.ColumnText(0))] = stmt.ColumnInt(1)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("jobstore: counting jobs: %w", err)
	}
	return counts, nil
}

// PurgeTerminal deletes succeeded and failed jobs last updated before
// cutoff and returns how many were removed.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int
	err := s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			DELETE FROM jobs
			WHERE status IN ('succeeded', 'failed') AND updated_at < ?
		`, &sqlitex.ExecOptions{Args: []any{cutoff.UnixNano()}})
		removed = conn.Changes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("jobstore: purging terminal jobs: %w", err)
	}
	if removed > 0 {
		s.logger.Info("purged terminal jobs", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]job.Job, error) {
	var jobs []job.Job
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := scanJob(stmt)
				if err != nil {
					return err
				}
				jobs = append(jobs, scanned)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("jobstore: query: %w", err)
	}
	return jobs, nil
}

// scanJob reads one row in selectColumns order.
func scanJob(stmt *sqlite.Stmt) (job.Job, error) {
	scanned := job.Job{
		ID:          stmt.ColumnText(0),
		Type:        stmt.ColumnText(1),
		ResourceKey: stmt.ColumnText(2),
		Status:      job.Status(stmt.ColumnText(6)),
		Attempt:     stmt.ColumnInt(7),
		MaxAttempts: stmt.ColumnInt(8),
		Priority:    stmt.ColumnInt(9),
		CreatedAt:   time.Unix(0, stmt.ColumnInt64(12)).UTC(),
		UpdatedAt:   time.Unix(0, stmt.ColumnInt64(13)).UTC(),
	}
	if !stmt.ColumnIsNull(10) {
		scanned.ErrorInfo = stmt.ColumnText(10)
	}
	if !stmt.ColumnIsNull(11) {
		scanned.RelatedResourceID = stmt.ColumnText(11)
	}

	if !stmt.ColumnIsNull(3) {
		stored := make([]byte, stmt.ColumnLen(3))
		stmt.ColumnBytes(3, stored)
		compression := Compression(stmt.ColumnText(4))
		payload, err := decompressPayload(stored, compression, stmt.ColumnInt(5))
		if err != nil {
			return scanned, fmt.Errorf("job %s payload: %w", scanned.ID, err)
		}
		scanned.Payload = payload
	}
	return scanned, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
