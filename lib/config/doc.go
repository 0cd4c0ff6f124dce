// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the job engine's configuration file.
//
// Configuration is loaded from a single file named by either the
// JOBENGINE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no search path and no fallback
// file. A file ending in .json or .jsonc is read as JSON with
// comments and trailing commas; anything else is YAML.
//
// The file may contain environment sections (development, staging,
// production). The section matching [Config].Environment is decoded
// over the base values, so it only needs the keys it changes. A
// service listed in a section replaces that service's base entry.
//
// Path fields support ${HOME} and ${VAR:-default} expansion after
// loading. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- store, dispatcher, backoff, services, socket, http,
//     ingest and retention sections
//   - [Default] -- a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
