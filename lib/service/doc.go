// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the scaffolding the job engine's binaries
// share:
//
//   - Socket server: a CBOR request-response protocol on a Unix
//     socket with action dispatch, connection timeouts, and graceful
//     shutdown. One request per connection.
//   - Service client: the matching caller, used by jobctl.
//   - HTTP server: listener lifecycle and graceful shutdown around a
//     caller-provided handler.
//   - Logger: the standard JSON logger on stderr.
//
// Binaries compose these in their own main() rather than subclassing
// a framework. The package provides building blocks, not a runtime.
//
// # Authentication
//
// The socket has no caller authentication. Access is controlled by
// the socket file's permissions: the server creates it mode 0600, so
// only the engine's user can submit jobs or reset breakers through
// it.
package service
