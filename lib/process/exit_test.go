// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errors.New("boom"), 1},
		{"exit error", &ExitError{Code: 3, Err: errors.New("locked")}, 3},
		{"wrapped exit error", fmt.Errorf("starting: %w", &ExitError{Code: 2}), 2},
		{"zero code", &ExitError{Code: 0, Err: errors.New("odd")}, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ExitCode(test.err); got != test.want {
				t.Errorf("ExitCode = %d, want %d", got, test.want)
			}
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	if got := (&ExitError{Code: 4}).Error(); got != "exit status 4" {
		t.Errorf("Error() = %q", got)
	}
	inner := errors.New("store is locked")
	wrapped := &ExitError{Code: 2, Err: inner}
	if wrapped.Error() != "store is locked" || !errors.Is(wrapped, inner) {
		t.Errorf("ExitError does not expose its cause: %v", wrapped)
	}
}
