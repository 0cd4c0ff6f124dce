// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP and connection I/O helpers shared by
// the job processors and the engine's servers.
//
// Body helpers (ReadBody, DecodeJSON, ErrorBody) bound every read so a
// misbehaving server cannot exhaust memory. Connection helpers
// (IsExpectedCloseError) classify errors seen during normal socket
// teardown.
package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxErrorBodySize bounds the part of an error response kept for
// diagnostics.
const MaxErrorBodySize int64 = 4 << 10

// ErrBodyTooLarge is returned when a body exceeds the caller's limit.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// ReadBody reads at most limit bytes. A body longer than limit is an
// error rather than a silent truncation.
func ReadBody(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// DecodeJSON reads a JSON body of at most limit bytes into v.
func DecodeJSON(body io.Reader, limit int64, v any) error {
	data, err := ReadBody(body, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// ErrorBody reads the start of an error response for use in a
// message. Read errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBodySize))
	return strings.TrimSpace(string(data))
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether repeating the request could succeed:
// server errors, timeouts and rate limiting.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// CheckStatus returns nil for a 2xx response and a *StatusError
// carrying the start of the body otherwise.
func CheckStatus(response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	url := ""
	method := ""
	if response.Request != nil {
		method = response.Request.Method
		if response.Request.URL != nil {
			url = response.Request.URL.Redacted()
		}
	}
	return &StatusError{
		Method:     method,
		URL:        url,
		StatusCode: response.StatusCode,
		Body:       ErrorBody(response.Body),
	}
}
