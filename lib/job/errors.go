// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// PermanentError marks a failure that retrying cannot fix: a payload
// the processor rejects, a 404, a constraint violation. Neither the
// transaction coordinator nor the job queue retries it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a
// PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// MaxErrorLength bounds the error text stored on a job and carried
// by worker:failed events.
const MaxErrorLength = 512

var (
	urlCredentials = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s@]+@`)
	secretParams   = regexp.MustCompile(`(?i)\b(token|access_token|api_key|apikey|key|secret|password|signature)=[^&\s"']+`)
	bearerTokens   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// SanitizeError renders err for storage and display: a single line,
// with URL credentials, secret query parameters and bearer tokens
// redacted, truncated to MaxErrorLength bytes on a rune boundary.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error())
}

// SanitizeMessage applies SanitizeError's rules to a string.
func SanitizeMessage(message string) string {
	message = whitespaceRuns.ReplaceAllString(strings.TrimSpace(message), " ")
	message = urlCredentials.ReplaceAllString(message, "${1}[redacted]@")
	message = secretParams.ReplaceAllString(message, "${1}=[redacted]")
	message = bearerTokens.ReplaceAllString(message, "Bearer [redacted]")
	if len(message) <= MaxErrorLength {
		return message
	}

	const ellipsis = "..."
	cut := MaxErrorLength - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + ellipsis
}
