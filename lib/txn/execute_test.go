// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package txn_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/enai-computer/enai-sub002/lib/backoff"
	"github.com/enai-computer/enai-sub002/lib/breaker"
	"github.com/enai-computer/enai-sub002/lib/clock"
	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/limiter"
	"github.com/enai-computer/enai-sub002/lib/sqlitepool"
	"github.com/enai-computer/enai-sub002/lib/testutil"
	"github.com/enai-computer/enai-sub002/lib/txn"
)

var errUpstream = errors.New("upstream returned 502")

type fixture struct {
	pool        *sqlitepool.Pool
	clock       *clock.FakeClock
	breakers    *breaker.Registry
	limiters    *limiter.Registry
	coordinator *txn.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(t.TempDir(), "txn.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, `
				CREATE TABLE IF NOT EXISTS documents (
					id        TEXT PRIMARY KEY,
					status    TEXT NOT NULL,
					remote_id TEXT
				);
			`, nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fake := clock.Fake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	breakers, err := breaker.NewRegistry(breaker.RegistryConfig{
		Defaults: breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenMaxAttempts: 1},
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("breaker.NewRegistry: %v", err)
	}
	limiters, err := limiter.NewRegistry(limiter.Config{MaxConcurrent: 2}, nil)
	if err != nil {
		t.Fatalf("limiter.NewRegistry: %v", err)
	}
	policy, err := backoff.New(backoff.Config{Base: time.Second, Cap: 8 * time.Second})
	if err != nil {
		t.Fatalf("backoff.New: %v", err)
	}
	coordinator, err := txn.New(txn.Config{
		Store:    pool,
		Breakers: breakers,
		Limiters: limiters,
		Backoff:  policy,
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("txn.New: %v", err)
	}
	return &fixture{pool: pool, clock: fake, breakers: breakers, limiters: limiters, coordinator: coordinator}
}

func insertPending(id string) func(*sqlite.Conn) (string, error) {
	return func(conn *sqlite.Conn) (string, error) {
		err := sqlitex.Execute(conn, "INSERT INTO documents (id, status) VALUES (?, 'pending')", &sqlitex.ExecOptions{
			Args: []any{id},
		})
		return id, err
	}
}

func recordRemote(conn *sqlite.Conn, documentID string, remoteID string) (string, error) {
	err := sqlitex.Execute(conn, "UPDATE documents SET status = 'indexed', remote_id = ? WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{remoteID, documentID},
	})
	return remoteID, err
}

func (f *fixture) deletePending(ctx context.Context, compensation txn.Compensation[string, string]) error {
	return f.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM documents WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{compensation.Local},
		})
	})
}

func (f *fixture) documentCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	err := f.pool.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM documents", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

// runAsync starts Execute on its own goroutine so the test can drive
// the fake clock through backoff waits.
func runAsync[F any](run func() txn.Result[F]) <-chan txn.Result[F] {
	results := make(chan txn.Result[F], 1)
	go func() { results <- run() }()
	return results
}

func TestAllPhasesSucceed(t *testing.T) {
	f := newFixture(t)

	result := txn.Execute(context.Background(), f.coordinator,
		insertPending("doc-1"),
		func(ctx context.Context, documentID string) (string, error) {
			return "remote-" + documentID, nil
		},
		recordRemote,
		txn.Options[string, string]{Service: "indexer", UseBreaker: true, UseLimiter: true},
	)

	if !result.Success || result.Err != nil {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.Data != "remote-doc-1" || result.RetryCount != 0 {
		t.Errorf("Data = %q, RetryCount = %d", result.Data, result.RetryCount)
	}
	if f.documentCount(t) != 1 {
		t.Errorf("documents = %d, want 1", f.documentCount(t))
	}
}

func TestLocalFailureStopsBeforeExternal(t *testing.T) {
	f := newFixture(t)
	var externalCalls int

	result := txn.Execute(context.Background(), f.coordinator,
		func(conn *sqlite.Conn) (string, error) {
			if _, err := insertPending("doc-1")(conn); err != nil {
				return "", err
			}
			return "", errors.New("constraint violated")
		},
		func(ctx context.Context, documentID string) (string, error) {
			externalCalls++
			return "", nil
		},
		recordRemote,
		txn.Options[string, string]{Cleanup: f.deletePending},
	)

	if result.Success || result.FailedPhase != txn.PhaseLocal {
		t.Fatalf("result = %+v, want local failure", result)
	}
	if !txn.FailedIn(result.Err, txn.PhaseLocal) {
		t.Errorf("Err = %v, want a local PhaseError", result.Err)
	}
	if externalCalls != 0 {
		t.Errorf("external called %d times after local failure", externalCalls)
	}
	if result.RollbackPerformed {
		t.Error("cleanup ran for a local failure")
	}
	if f.documentCount(t) != 0 {
		t.Errorf("local transaction left %d rows", f.documentCount(t))
	}
}

func TestExternalRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int32

	results := runAsync(func() txn.Result[string] {
		return txn.Execute(context.Background(), f.coordinator,
			insertPending("doc-1"),
			func(ctx context.Context, documentID string) (string, error) {
				if attempts.Add(1) < 3 {
					return "", errUpstream
				}
				return "remote-1", nil
			},
			recordRemote,
			txn.Options[string, string]{Service: "indexer", Retryable: true, MaxRetries: 3},
		)
	})

	f.clock.WaitForTimers(1)
	f.clock.Advance(time.Second)
	f.clock.WaitForTimers(1)
	f.clock.Advance(2 * time.Second)

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute result")
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", result.RetryCount)
	}
	if result.Duration != 3*time.Second {
		t.Errorf("Duration = %v, want 3s of backoff", result.Duration)
	}
}

func TestExternalExhaustionRunsCleanupWithLocalResult(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int32
	var received txn.Compensation[string, string]

	results := runAsync(func() txn.Result[string] {
		return txn.Execute(context.Background(), f.coordinator,
			insertPending("doc-1"),
			func(ctx context.Context, documentID string) (string, error) {
				attempts.Add(1)
				return "", errUpstream
			},
			recordRemote,
			txn.Options[string, string]{
				Retryable:  true,
				MaxRetries: 3,
				Cleanup: func(ctx context.Context, compensation txn.Compensation[string, string]) error {
					received = compensation
					return f.deletePending(ctx, compensation)
				},
			},
		)
	})

	f.clock.WaitForTimers(1)
	f.clock.Advance(time.Second)
	f.clock.WaitForTimers(1)
	f.clock.Advance(2 * time.Second)

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute result")
	if result.Success || result.FailedPhase != txn.PhaseExternal {
		t.Fatalf("result = %+v, want external failure", result)
	}
	if !errors.Is(result.Err, errUpstream) {
		t.Errorf("Err = %v, want it to wrap %v", result.Err, errUpstream)
	}
	if !result.RollbackPerformed {
		t.Error("RollbackPerformed = false")
	}
	if attempts.Load() != 3 || result.RetryCount != 2 {
		t.Errorf("attempts = %d, RetryCount = %d, want 3 and 2", attempts.Load(), result.RetryCount)
	}
	if received.FailedPhase != txn.PhaseExternal || received.Local != "doc-1" || received.External != "" {
		t.Errorf("compensation = %+v, want external failure carrying the local result", received)
	}
	if f.documentCount(t) != 0 {
		t.Errorf("aborted job left %d rows", f.documentCount(t))
	}
}

func TestFinalizeFailureCleanupGetsExternalResult(t *testing.T) {
	f := newFixture(t)
	var received txn.Compensation[string, string]

	result := txn.Execute(context.Background(), f.coordinator,
		insertPending("doc-1"),
		func(ctx context.Context, documentID string) (string, error) {
			return "remote-77", nil
		},
		func(conn *sqlite.Conn, documentID string, remoteID string) (string, error) {
			return "", errors.New("disk I/O error")
		},
		txn.Options[string, string]{
			Cleanup: func(ctx context.Context, compensation txn.Compensation[string, string]) error {
				received = compensation
				return nil
			},
		},
	)

	if result.Success || result.FailedPhase != txn.PhaseFinalize {
		t.Fatalf("result = %+v, want finalize failure", result)
	}
	if !result.RollbackPerformed {
		t.Error("RollbackPerformed = false")
	}
	if received.FailedPhase != txn.PhaseFinalize || received.External != "remote-77" || received.Local != "" {
		t.Errorf("compensation = %+v, want the external result only", received)
	}
}

func TestNonRetryableMakesOneAttempt(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		options txn.Options[string, string]
		err     error
	}{
		{"retryable unset", txn.Options[string, string]{MaxRetries: 5}, errUpstream},
		{"permanent error", txn.Options[string, string]{Retryable: true, MaxRetries: 5}, job.Permanent(errUpstream)},
	}
	for i, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var attempts int
			result := txn.Execute(context.Background(), f.coordinator,
				insertPending(fmt.Sprintf("doc-%d", i)),
				func(ctx context.Context, documentID string) (string, error) {
					attempts++
					return "", test.err
				},
				recordRemote,
				test.options,
			)
			if result.Success || attempts != 1 || result.RetryCount != 0 {
				t.Errorf("attempts = %d, result = %+v, want one failed attempt", attempts, result)
			}
		})
	}
}

func TestOpenBreakerFailsFastWithoutCallingExternal(t *testing.T) {
	f := newFixture(t)
	var externalCalls int
	options := txn.Options[string, string]{Service: "web", UseBreaker: true}
	external := func(ctx context.Context, documentID string) (string, error) {
		externalCalls++
		return "", errUpstream
	}

	for i := range 2 {
		txn.Execute(context.Background(), f.coordinator, insertPending(fmt.Sprintf("doc-%d", i)), external, recordRemote, options)
	}
	if snapshot, _ := f.breakers.Snapshot("web"); snapshot.State != breaker.Open {
		t.Fatalf("breaker = %s, want open", snapshot.State)
	}

	result := txn.Execute(context.Background(), f.coordinator, insertPending("doc-3"), external, recordRemote, options)
	if result.Success {
		t.Fatal("third call succeeded")
	}
	if !strings.Contains(result.Err.Error(), "circuit") {
		t.Errorf("Err = %q, want it to mention the circuit", result.Err)
	}
	if !errors.Is(result.Err, breaker.ErrOpen) {
		t.Errorf("Err = %v, want breaker.ErrOpen", result.Err)
	}
	if externalCalls != 2 {
		t.Errorf("external called %d times, want 2", externalCalls)
	}
}

func TestLimiterBoundsConcurrentExternalCalls(t *testing.T) {
	f := newFixture(t)
	var current, peak atomic.Int32
	release := make(chan struct{})

	const jobs = 6
	var waitGroup sync.WaitGroup
	for i := range jobs {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			txn.Execute(context.Background(), f.coordinator,
				insertPending(fmt.Sprintf("doc-%d", i)),
				func(ctx context.Context, documentID string) (string, error) {
					now := current.Add(1)
					for {
						observed := peak.Load()
						if now <= observed || peak.CompareAndSwap(observed, now) {
							break
						}
					}
					<-release
					current.Add(-1)
					return "remote-" + documentID, nil
				},
				recordRemote,
				txn.Options[string, string]{Service: "indexer", UseLimiter: true},
			)
		}()
	}

	testutil.RequireEventually(t, func() bool {
		stats, _ := f.limiters.Stats("indexer")
		return stats.Active == 2 && stats.Waiting == jobs-2
	}, 5*time.Second, "limiter saturated")
	close(release)
	waitGroup.Wait()

	if peak.Load() != 2 {
		t.Errorf("peak concurrent external calls = %d, want 2", peak.Load())
	}
	if f.documentCount(t) != jobs {
		t.Errorf("documents = %d, want %d", f.documentCount(t), jobs)
	}
}

func TestPanicsBecomeFailures(t *testing.T) {
	f := newFixture(t)

	result := txn.Execute(context.Background(), f.coordinator,
		insertPending("doc-1"),
		func(ctx context.Context, documentID string) (string, error) {
			panic("nil map in client")
		},
		recordRemote,
		txn.Options[string, string]{Retryable: true, MaxRetries: 3, Cleanup: f.deletePending},
	)
	var panicError *txn.PanicError
	if !errors.As(result.Err, &panicError) || panicError.Phase != txn.PhaseExternal {
		t.Fatalf("Err = %v, want an external PanicError", result.Err)
	}
	if result.RetryCount != 0 || !result.RollbackPerformed {
		t.Errorf("result = %+v, want no retries and a cleanup", result)
	}

	result = txn.Execute(context.Background(), f.coordinator,
		func(conn *sqlite.Conn) (string, error) {
			insertPending("doc-2")(conn)
			panic("bad row")
		},
		func(ctx context.Context, documentID string) (string, error) { return "", nil },
		recordRemote,
		txn.Options[string, string]{},
	)
	if !errors.As(result.Err, &panicError) || panicError.Phase != txn.PhaseLocal {
		t.Fatalf("Err = %v, want a local PanicError", result.Err)
	}
	if f.documentCount(t) != 0 {
		t.Errorf("documents = %d, want 0 after both panics", f.documentCount(t))
	}
}

func TestFailingCleanupIsReported(t *testing.T) {
	f := newFixture(t)
	cleanupFailure := errors.New("remote delete refused")

	result := txn.Execute(context.Background(), f.coordinator,
		insertPending("doc-1"),
		func(ctx context.Context, documentID string) (string, error) { return "", errUpstream },
		recordRemote,
		txn.Options[string, string]{
			Cleanup: func(context.Context, txn.Compensation[string, string]) error { return cleanupFailure },
		},
	)
	if result.RollbackPerformed {
		t.Error("RollbackPerformed = true for a failed cleanup")
	}
	if !errors.Is(result.CleanupErr, cleanupFailure) {
		t.Errorf("CleanupErr = %v", result.CleanupErr)
	}
	if !errors.Is(result.Err, errUpstream) {
		t.Errorf("Err = %v, want the external error", result.Err)
	}
}

func TestCancelledContextAbandonsBackoff(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	results := runAsync(func() txn.Result[string] {
		return txn.Execute(ctx, f.coordinator,
			insertPending("doc-1"),
			func(ctx context.Context, documentID string) (string, error) { return "", errUpstream },
			recordRemote,
			txn.Options[string, string]{Retryable: true, MaxRetries: 5, Cleanup: f.deletePending},
		)
	})

	f.clock.WaitForTimers(1)
	cancel()

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute result")
	if result.Success || result.RetryCount != 0 {
		t.Fatalf("result = %+v, want failure on the first attempt", result)
	}
	if !result.RollbackPerformed || f.documentCount(t) != 0 {
		t.Error("cleanup did not run under a cancelled context")
	}
}

func TestMisconfiguredOptionsPanic(t *testing.T) {
	f := newFixture(t)
	defer func() {
		if recover() == nil {
			t.Fatal("UseBreaker without Service did not panic")
		}
	}()
	txn.Execute(context.Background(), f.coordinator,
		insertPending("doc-1"),
		func(ctx context.Context, documentID string) (string, error) { return "", nil },
		recordRemote,
		txn.Options[string, string]{UseBreaker: true},
	)
}
