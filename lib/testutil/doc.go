// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the engine's
// packages.
//
// [RequireReceive], [RequireSend], [RequireClosed] and
// [RequireEventually] bound every wait on a channel or condition with
// a wall-clock safety valve so a broken test fails instead of hanging.
// These are the only real-clock waits in the test suite; everything
// the engine itself schedules runs on the fake clock.
//
// [SocketDir] creates a short temporary directory for Unix sockets,
// whose paths are limited to 108 bytes.
//
// [UniqueID] generates distinct identifiers for job resource keys and
// documents without reading the clock.
package testutil
