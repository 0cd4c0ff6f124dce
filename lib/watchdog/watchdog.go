// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State describes a running engine process. It is written at startup
// and removed on clean shutdown.
type State struct {
	// Component names the process that owns the marker, e.g.
	// "jobengine".
	Component string `json:"component"`

	// PID is the process ID of the run that wrote the marker.
	PID int `json:"pid"`

	// Executable is the absolute path of the running binary.
	Executable string `json:"executable,omitempty"`

	// Version is the build version of the running binary.
	Version string `json:"version,omitempty"`

	// StartedAt is when the run began. Check uses it to discard stale
	// markers.
	StartedAt time.Time `json:"started_at"`
}

// Path returns the marker path that accompanies a database file.
func Path(databasePath string) string {
	return databasePath + ".run"
}

// Write atomically writes a run marker. The file is written to a
// temporary location in the same directory, fsynced, and renamed into
// place. The parent directory must already exist.
func Write(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run marker: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary run marker: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary run marker: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary run marker: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary run marker: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming run marker into place: %w", err)
	}

	// The rename is only durable once the directory entry is flushed.
	if parentDirectory, err := os.Open(filepath.Dir(path)); err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

// Read parses a run marker. A missing file returns an error wrapping
// os.ErrNotExist.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing run marker %s: %w", path, err)
	}
	return state, nil
}

// Check reports the marker left by a previous run. It returns the
// state and true when the file exists and StartedAt is within maxAge
// of now. A missing or stale marker returns false with a nil error.
//
// Other failures (permission denied, corrupt JSON) are returned so the
// caller can tell "no marker" apart from "marker exists but is
// unreadable".
func Check(path string, now time.Time, maxAge time.Duration) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, false, err
	}

	if maxAge > 0 && now.Sub(state.StartedAt) > maxAge {
		return State{}, false, nil
	}
	return state, true, nil
}

// Clear removes a run marker. Returns nil when the file does not
// exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing run marker: %w", err)
	}
	return nil
}
