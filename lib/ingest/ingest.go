// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest provides the engine's document processors.
//
// fetch-url downloads a page into the documents table and, when an
// indexer is configured, queues an index-document job for it.
// index-document pushes a fetched document to the indexer and records
// the indexer's ID. Both run their work through the transaction
// coordinator: a local phase that claims the document row, an
// external call guarded by the service's circuit breaker and
// concurrency limiter, and a finalize phase that records the result.
// Cleanup undoes the claim when the external call fails, and undoes
// the remote entry when finalize fails.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/enai-computer/enai-sub002/lib/clock"
	"github.com/enai-computer/enai-sub002/lib/dispatch"
	"github.com/enai-computer/enai-sub002/lib/sqlitepool"
	"github.com/enai-computer/enai-sub002/lib/txn"
)

// Job types registered by [Ingester.Register].
const (
	JobFetchURL      = "fetch-url"
	JobIndexDocument = "index-document"
)

// Services named in breaker and limiter configuration.
const (
	ServiceWeb     = "web"
	ServiceIndexer = "indexer"
)

// Settings is the ingest section of the engine configuration.
type Settings struct {
	// IndexerURL is the base URL of the indexing service. Empty
	// disables index-document.
	IndexerURL string `yaml:"indexer_url"`

	// MaxDocumentBytes bounds a fetched page.
	MaxDocumentBytes int64 `yaml:"max_document_bytes"`

	// ExternalAttempts is the number of tries for each external call
	// within one job attempt.
	ExternalAttempts int `yaml:"external_attempts"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	UserAgent      string        `yaml:"user_agent"`

	// IndexPriority is the priority of index-document jobs queued
	// after a fetch.
	IndexPriority int `yaml:"index_priority"`
}

// DefaultSettings returns an 8 MiB page limit, three external
// attempts and a 30 second request timeout.
func DefaultSettings() Settings {
	return Settings{
		MaxDocumentBytes: 8 << 20,
		ExternalAttempts: 3,
		RequestTimeout:   30 * time.Second,
		UserAgent:        "jobengine",
	}
}

// Validate reports the first invalid field.
func (s Settings) Validate() error {
	if s.IndexerURL != "" {
		if err := checkHTTPURL(s.IndexerURL); err != nil {
			return fmt.Errorf("ingest: indexer_url: %w", err)
		}
	}
	if s.MaxDocumentBytes <= 0 {
		return fmt.Errorf("ingest: max_document_bytes must be positive, got %d", s.MaxDocumentBytes)
	}
	if s.ExternalAttempts < 1 {
		return fmt.Errorf("ingest: external_attempts must be at least 1, got %d", s.ExternalAttempts)
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("ingest: request_timeout must be positive, got %v", s.RequestTimeout)
	}
	return nil
}

// Config holds the collaborators of an Ingester.
type Config struct {
	Settings Settings

	// Pool holds the documents table. Required.
	Pool *sqlitepool.Pool

	// Coordinator runs every processor's phases. Required.
	Coordinator *txn.Coordinator

	// HTTPClient defaults to a client with Settings.RequestTimeout.
	HTTPClient *http.Client

	Clock  clock.Clock
	Logger *slog.Logger
}

// Ingester owns the documents table and the processors that fill it.
type Ingester struct {
	settings    Settings
	pool        *sqlitepool.Pool
	coordinator *txn.Coordinator
	client      *http.Client
	dispatcher  *dispatch.Dispatcher
	clock       clock.Clock
	logger      *slog.Logger
}

// New creates the documents table if needed and returns an Ingester.
func New(ctx context.Context, config Config) (*Ingester, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("ingest: Pool is required")
	}
	if config.Coordinator == nil {
		return nil, fmt.Errorf("ingest: Coordinator is required")
	}
	if err := config.Settings.Validate(); err != nil {
		return nil, err
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Settings.RequestTimeout}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	err := config.Pool.Transact(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: creating schema: %w", err)
	}

	settings := config.Settings
	settings.IndexerURL = strings.TrimRight(settings.IndexerURL, "/")
	return &Ingester{
		settings:    settings,
		pool:        config.Pool,
		coordinator: config.Coordinator,
		client:      config.HTTPClient,
		clock:       config.Clock,
		logger:      logger,
	}, nil
}

// Register adds fetch-url, and index-document when an indexer is
// configured, to d. Fetches queue their follow-up jobs on d. Call it
// before d is started.
func (i *Ingester) Register(d *dispatch.Dispatcher) error {
	i.dispatcher = d
	if err := dispatch.Register(d, JobFetchURL, i.Fetch, validateFetch); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if i.settings.IndexerURL == "" {
		i.logger.Info("no indexer configured, index-document disabled")
		return nil
	}
	if err := dispatch.Register(d, JobIndexDocument, i.Index, validateIndex); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

func checkHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// redactURL strips credentials for messages that leave the process.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "(invalid url)"
	}
	return parsed.Redacted()
}
