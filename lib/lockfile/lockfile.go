// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lockfile holds an exclusive advisory lock that keeps two
// engine processes from sharing one job store. Two dispatchers over
// the same database would both reconcile and run the same
// non-terminal jobs.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Acquire when another process holds the
// lock.
var ErrLocked = errors.New("lockfile: already locked by another process")

// Lock is a held flock(2) lock. The lock is released when the process
// exits even if Release is never called.
type Lock struct {
	path string
	file *os.File
}

// Path returns the lock path that accompanies a database file.
func Path(databasePath string) string {
	return databasePath + ".lock"
}

// Acquire takes an exclusive non-blocking lock on path, creating the
// file if needed, and records the holder's PID in it. When another
// process holds the lock the returned error wraps ErrLocked and names
// the holder when its PID is readable.
func Acquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: opening %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if holder := readHolder(path); holder > 0 {
				return nil, fmt.Errorf("%w (pid %d holds %s)", ErrLocked, holder, path)
			}
			return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("lockfile: locking %s: %w", path, err)
	}

	if err := file.Truncate(0); err != nil {
		unlock(file)
		return nil, fmt.Errorf("lockfile: truncating %s: %w", path, err)
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		unlock(file)
		return nil, fmt.Errorf("lockfile: writing pid to %s: %w", path, err)
	}

	return &Lock{path: path, file: file}, nil
}

// Release drops the lock and removes the lock file. Safe to call more
// than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	// Remove before unlocking so a process that acquires the lock
	// next never has its file deleted out from under it.
	removeErr := os.Remove(l.path)
	err := unlock(l.file)
	l.file = nil
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("lockfile: removing %s: %w", l.path, removeErr)
	}
	return err
}

func unlock(file *os.File) error {
	flockErr := unix.Flock(int(file.Fd()), unix.LOCK_UN)
	closeErr := file.Close()
	if flockErr != nil {
		return fmt.Errorf("lockfile: unlocking: %w", flockErr)
	}
	return closeErr
}

func readHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
