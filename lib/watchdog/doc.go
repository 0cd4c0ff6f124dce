// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog records whether the previous engine run shut down
// cleanly.
//
// On startup the engine calls [Check] for a run marker left by an
// earlier process, then [Write]s its own [State]. A clean shutdown
// calls [Clear]. A marker that is still present at the next startup
// means the previous process crashed or was killed, so the jobs it
// had in flight were interrupted rather than drained. The engine
// logs that and reports it with the reconciliation result.
//
// The marker is written atomically (write to temporary file, fsync,
// rename into place, fsync parent directory) so readers never see a
// partial state. [Check] ignores markers older than a maximum age so
// an ancient leftover file does not get attributed to the last run.
package watchdog
