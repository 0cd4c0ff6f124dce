// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the engine
// binaries. It holds the raw stderr output that is legitimate before
// the structured logger exists or after run() has already failed.
package process
