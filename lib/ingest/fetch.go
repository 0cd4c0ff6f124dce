// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/enai-computer/enai-sub002/lib/dispatch"
	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/netutil"
	"github.com/enai-computer/enai-sub002/lib/txn"
)

// FetchPayload is the payload of a fetch-url job. The job's resource
// key is the URL.
type FetchPayload struct {
	URL string `cbor:"url" json:"url"`
}

func validateFetch(payload FetchPayload) error {
	if payload.URL == "" {
		return fmt.Errorf("url is required")
	}
	if err := checkHTTPURL(payload.URL); err != nil {
		return fmt.Errorf("url %s: %w", redactURL(payload.URL), err)
	}
	return nil
}

// maxTitleLength bounds the stored title in runes.
const maxTitleLength = 256

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

type download struct {
	ContentType string
	Title       string
	Content     []byte
	Hash        string
}

// Fetch is the fetch-url processor.
func (i *Ingester) Fetch(ctx context.Context, current job.Job, payload FetchPayload, progress dispatch.ProgressFunc) (dispatch.Outcome, error) {
	documentID := uuid.NewString()
	logger := i.logger.With("job_id", current.ID, "document_id", documentID)

	result := txn.Execute(ctx, i.coordinator,
		func(conn *sqlite.Conn) (string, error) {
			now := i.clock.Now().UnixNano()
			err := sqlitex.Execute(conn, `
				INSERT INTO documents (id, url, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, &sqlitex.ExecOptions{
				Args: []any{documentID, payload.URL, string(DocumentPending), now, now},
			})
			return documentID, err
		},
		func(ctx context.Context, documentID string) (download, error) {
			progress(0.1, "fetching "+redactURL(payload.URL))
			return i.download(ctx, payload.URL)
		},
		func(conn *sqlite.Conn, documentID string, fetched download) (string, error) {
			err := sqlitex.Execute(conn, `
				UPDATE documents
				SET status = ?, title = ?, content_type = ?, content = ?, size = ?,
					content_hash = ?, updated_at = ?
				WHERE id = ? AND status = ?
			`, &sqlitex.ExecOptions{
				Args: []any{
					string(DocumentFetched),
					fetched.Title,
					fetched.ContentType,
					fetched.Content,
					len(fetched.Content),
					fetched.Hash,
					i.clock.Now().UnixNano(),
					documentID,
					string(DocumentPending),
				},
			})
			if err != nil {
				return "", err
			}
			if conn.Changes() == 0 {
				return "", fmt.Errorf("document %s is no longer pending", documentID)
			}
			return documentID, nil
		},
		txn.Options[string, download]{
			Service:    ServiceWeb,
			UseBreaker: true,
			UseLimiter: true,
			Retryable:  true,
			MaxRetries: i.settings.ExternalAttempts,
			// The pending row is the only thing to undo whichever phase
			// failed: a download leaves nothing behind remotely.
			Cleanup: func(ctx context.Context, _ txn.Compensation[string, download]) error {
				return i.pool.Transact(ctx, func(conn *sqlite.Conn) error {
					return sqlitex.Execute(conn, `DELETE FROM documents WHERE id = ? AND status = ?`,
						&sqlitex.ExecOptions{Args: []any{documentID, string(DocumentPending)}})
				})
			},
		},
	)
	if !result.Success {
		return dispatch.Outcome{}, result.Err
	}
	logger.Info("document fetched", "retries", result.RetryCount, "duration", result.Duration)

	if i.settings.IndexerURL != "" && i.dispatcher != nil {
		progress(0.9, "queueing index-document")
		_, err := dispatch.Submit(ctx, i.dispatcher, JobIndexDocument, documentID,
			IndexPayload{DocumentID: documentID},
			dispatch.SubmitOptions{Priority: i.settings.IndexPriority})
		if err != nil {
			// The document is stored; refetching would duplicate it.
			logger.Error("queueing index-document failed", "error", err)
		}
	}
	return dispatch.Outcome{RelatedResourceID: documentID}, nil
}

func (i *Ingester) download(ctx context.Context, target string) (download, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return download{}, job.Permanent(fmt.Errorf("building request: %w", err))
	}
	request.Header.Set("User-Agent", i.settings.UserAgent)

	response, err := i.client.Do(request)
	if err != nil {
		return download{}, fmt.Errorf("fetching %s: %w", redactURL(target), err)
	}
	defer response.Body.Close()

	if err := netutil.CheckStatus(response); err != nil {
		return download{}, classifyHTTPError(err)
	}
	content, err := netutil.ReadBody(response.Body, i.settings.MaxDocumentBytes)
	if err != nil {
		if errors.Is(err, netutil.ErrBodyTooLarge) {
			return download{}, job.Permanent(fmt.Errorf("fetching %s: %w", redactURL(target), err))
		}
		return download{}, fmt.Errorf("fetching %s: %w", redactURL(target), err)
	}

	hash := blake3.Sum256(content)
	return download{
		ContentType: response.Header.Get("Content-Type"),
		Title:       extractTitle(content),
		Content:     content,
		Hash:        hex.EncodeToString(hash[:]),
	}, nil
}

// classifyHTTPError marks status errors that no retry can fix as
// permanent.
func classifyHTTPError(err error) error {
	var statusError *netutil.StatusError
	if errors.As(err, &statusError) && !statusError.Retryable() {
		return job.Permanent(err)
	}
	return err
}

func extractTitle(content []byte) string {
	match := titlePattern.FindSubmatch(content)
	if match == nil {
		return ""
	}
	title := strings.Join(strings.Fields(html.UnescapeString(string(match[1]))), " ")
	if !utf8.ValidString(title) {
		title = strings.ToValidUTF8(title, "")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		title = string([]rune(title)[:maxTitleLength])
	}
	return title
}
