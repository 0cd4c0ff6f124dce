// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/enai-computer/enai-sub002/lib/dispatch"
	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/netutil"
	"github.com/enai-computer/enai-sub002/lib/txn"
)

// IndexPayload is the payload of an index-document job. The job's
// resource key is the document ID.
type IndexPayload struct {
	DocumentID string `cbor:"document_id" json:"document_id"`
}

func validateIndex(payload IndexPayload) error {
	if err := uuid.Validate(payload.DocumentID); err != nil {
		return fmt.Errorf("document_id %q: %w", payload.DocumentID, err)
	}
	return nil
}

// maxIndexerResponse bounds the indexer's reply.
const maxIndexerResponse = 64 << 10

type indexRequest struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	ContentHash string `json:"content_hash"`
	Content     string `json:"content"`
}

type indexResponse struct {
	ID string `json:"id"`
}

// Index is the index-document processor.
func (i *Ingester) Index(ctx context.Context, current job.Job, payload IndexPayload, progress dispatch.ProgressFunc) (dispatch.Outcome, error) {
	documentID := payload.DocumentID
	logger := i.logger.With("job_id", current.ID, "document_id", documentID)

	result := txn.Execute(ctx, i.coordinator,
		func(conn *sqlite.Conn) (indexSource, error) {
			source, status, err := claimForIndexing(conn, documentID, i.clock.Now())
			if err != nil {
				return indexSource{}, err
			}
			switch status {
			case DocumentFetched, DocumentIndexing:
				return source, nil
			case "":
				return indexSource{}, job.Permanent(fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID))
			default:
				return indexSource{}, job.Permanent(fmt.Errorf("document %s is %s, not fetched", documentID, status))
			}
		},
		func(ctx context.Context, source indexSource) (string, error) {
			progress(0.3, "sending document to indexer")
			return i.pushToIndexer(ctx, source)
		},
		func(conn *sqlite.Conn, _ indexSource, remoteID string) (string, error) {
			err := sqlitex.Execute(conn, `
				UPDATE documents SET status = ?, remote_id = ?, updated_at = ?
				WHERE id = ? AND status = ?
			`, &sqlitex.ExecOptions{
				Args: []any{
					string(DocumentIndexed),
					remoteID,
					i.clock.Now().UnixNano(),
					documentID,
					string(DocumentIndexing),
				},
			})
			if err != nil {
				return "", err
			}
			if conn.Changes() == 0 {
				return "", fmt.Errorf("document %s changed while it was being indexed", documentID)
			}
			return remoteID, nil
		},
		txn.Options[indexSource, string]{
			Service:    ServiceIndexer,
			UseBreaker: true,
			UseLimiter: true,
			Retryable:  true,
			MaxRetries: i.settings.ExternalAttempts,
			Cleanup: func(ctx context.Context, compensation txn.Compensation[indexSource, string]) error {
				if compensation.FailedPhase == txn.PhaseFinalize {
					return i.deleteFromIndexer(ctx, compensation.External)
				}
				return i.pool.Transact(ctx, func(conn *sqlite.Conn) error {
					return sqlitex.Execute(conn, `UPDATE documents SET status = ? WHERE id = ? AND status = ?`,
						&sqlitex.ExecOptions{Args: []any{string(DocumentFetched), documentID, string(DocumentIndexing)}})
				})
			},
		},
	)
	if !result.Success {
		return dispatch.Outcome{}, result.Err
	}
	logger.Info("document indexed", "remote_id", result.Data, "retries", result.RetryCount, "duration", result.Duration)
	return dispatch.Outcome{RelatedResourceID: documentID}, nil
}

func (i *Ingester) pushToIndexer(ctx context.Context, source indexSource) (string, error) {
	encoded, err := json.Marshal(indexRequest{
		ID:          source.DocumentID,
		URL:         source.URL,
		Title:       source.Title,
		ContentType: source.ContentType,
		ContentHash: source.ContentHash,
		Content:     string(source.Content),
	})
	if err != nil {
		return "", job.Permanent(fmt.Errorf("encoding index request: %w", err))
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, i.settings.IndexerURL+"/documents", bytes.NewReader(encoded))
	if err != nil {
		return "", job.Permanent(fmt.Errorf("building index request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", i.settings.UserAgent)

	response, err := i.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("indexer: %w", err)
	}
	defer response.Body.Close()
	if err := netutil.CheckStatus(response); err != nil {
		return "", classifyHTTPError(err)
	}

	var indexed indexResponse
	if err := netutil.DecodeJSON(response.Body, maxIndexerResponse, &indexed); err != nil {
		return "", fmt.Errorf("indexer: %w", err)
	}
	if indexed.ID == "" {
		return "", fmt.Errorf("indexer: response has no document id")
	}
	return indexed.ID, nil
}

// deleteFromIndexer removes a remote entry. An entry that is already
// gone counts as deleted.
func (i *Ingester) deleteFromIndexer(ctx context.Context, remoteID string) error {
	target := i.settings.IndexerURL + "/documents/" + url.PathEscape(remoteID)
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	request.Header.Set("User-Agent", i.settings.UserAgent)

	response, err := i.client.Do(request)
	if err != nil {
		return fmt.Errorf("indexer: deleting %s: %w", remoteID, err)
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return nil
	}
	if err := netutil.CheckStatus(response); err != nil {
		return fmt.Errorf("indexer: deleting %s: %w", remoteID, err)
	}
	return nil
}
