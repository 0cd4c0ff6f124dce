// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "context"

// runRetention purges old terminal job records once at startup and
// then every retention interval until ctx is cancelled. Disabled when
// retention.terminal_jobs is zero.
func (e *engine) runRetention(ctx context.Context) {
	retention := e.config.Retention
	if retention.TerminalJobs <= 0 {
		return
	}
	for {
		if _, err := e.purgeTerminal(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("purging terminal jobs", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(retention.Interval):
		}
	}
}

func (e *engine) purgeTerminal(ctx context.Context) (int, error) {
	cutoff := e.clock.Now().Add(-e.config.Retention.TerminalJobs)
	removed, err := e.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.Info("purged terminal jobs", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
