// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrDocumentNotFound is returned for an unknown document ID.
var ErrDocumentNotFound = errors.New("ingest: document not found")

// DocumentStatus is a document's position in the fetch and index
// pipeline.
type DocumentStatus string

const (
	// DocumentPending is claimed by a fetch that has not finished.
	DocumentPending DocumentStatus = "pending"

	DocumentFetched  DocumentStatus = "fetched"
	DocumentIndexing DocumentStatus = "indexing"
	DocumentIndexed  DocumentStatus = "indexed"
)

const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		url          TEXT NOT NULL,
		status       TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		content      BLOB,
		size         INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		remote_id    TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS documents_url ON documents (url);
`

// Document is a stored page without its content.
type Document struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Status      DocumentStatus `json:"status"`
	Title       string         `json:"title,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Size        int64          `json:"size"`
	ContentHash string         `json:"content_hash,omitempty"`
	RemoteID    string         `json:"remote_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Document returns the stored document with the given ID.
func (i *Ingester) Document(ctx context.Context, id string) (Document, error) {
	var document Document
	found := false
	err := i.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, url, status, title, content_type, size, content_hash,
				remote_id, created_at, updated_at
			FROM documents WHERE id = ?
		`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				document = Document{
					ID:          stmt.ColumnText(0),
					URL:         stmt.ColumnText(1),
					Status:      DocumentStatus(stmt.ColumnText(2)),
					Title:       stmt.ColumnText(3),
					ContentType: stmt.ColumnText(4),
					Size:        stmt.ColumnInt64(5),
					ContentHash: stmt.ColumnText(6),
					RemoteID:    stmt.ColumnText(7),
					CreatedAt:   time.Unix(0, stmt.ColumnInt64(8)).UTC(),
					UpdatedAt:   time.Unix(0, stmt.ColumnInt64(9)).UTC(),
				}
				return nil
			},
		})
	})
	if err != nil {
		return Document{}, fmt.Errorf("ingest: reading document %s: %w", id, err)
	}
	if !found {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return document, nil
}

// indexSource is what index-document sends to the indexer.
type indexSource struct {
	DocumentID  string
	URL         string
	Title       string
	ContentType string
	ContentHash string
	Content     []byte
}

// claimForIndexing moves a fetched document to indexing and returns
// its content. A document left indexing by an interrupted run can be
// claimed again.
func claimForIndexing(conn *sqlite.Conn, id string, now time.Time) (indexSource, DocumentStatus, error) {
	var source indexSource
	var status DocumentStatus
	err := sqlitex.Execute(conn, `
		SELECT url, status, title, content_type, content_hash, content
		FROM documents WHERE id = ?
	`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			source = indexSource{
				DocumentID:  id,
				URL:         stmt.ColumnText(0),
				Title:       stmt.ColumnText(2),
				ContentType: stmt.ColumnText(3),
				ContentHash: stmt.ColumnText(4),
			}
			status = DocumentStatus(stmt.ColumnText(1))
			if !stmt.ColumnIsNull(5) {
				source.Content = make([]byte, stmt.ColumnLen(5))
				stmt.ColumnBytes(5, source.Content)
			}
			return nil
		},
	})
	if err != nil {
		return indexSource{}, "", err
	}
	if status != DocumentFetched && status != DocumentIndexing {
		return source, status, nil
	}
	err = sqlitex.Execute(conn, `UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(DocumentIndexing), now.UnixNano(), id}})
	return source, status, err
}
