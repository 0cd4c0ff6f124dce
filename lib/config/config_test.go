// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/enai-computer/enai-sub002/lib/limiter"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Dispatcher.Concurrency != 4 {
		t.Errorf("expected concurrency=4, got %d", cfg.Dispatcher.Concurrency)
	}
	if cfg.Backoff.Base != time.Second || cfg.Backoff.Cap != 30*time.Second {
		t.Errorf("unexpected backoff defaults: %+v", cfg.Backoff)
	}
	if cfg.ServiceDefaults.Breaker.FailureThreshold != 5 || cfg.ServiceDefaults.Limiter.MaxConcurrent != 4 {
		t.Errorf("unexpected service defaults: %+v", cfg.ServiceDefaults)
	}
	if cfg.HTTP.Listen != "" {
		t.Errorf("expected HTTP disabled by default, got listen=%q", cfg.HTTP.Listen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_RequiresEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when JOBENGINE_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "JOBENGINE_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithEnvironmentVariable(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "jobengine.yaml")
	configContent := `
environment: staging
store:
  path: /test/engine.db
dispatcher:
  concurrency: 8
  shutdown_timeout: 45s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv(EnvironmentVariable, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Store.Path != "/test/engine.db" {
		t.Errorf("expected store.path=/test/engine.db, got %s", cfg.Store.Path)
	}
	if cfg.Dispatcher.Concurrency != 8 || cfg.Dispatcher.ShutdownTimeout != 45*time.Second {
		t.Errorf("unexpected dispatcher: %+v", cfg.Dispatcher)
	}
	// Untouched sections keep their defaults.
	if cfg.Store.PoolSize != 4 || cfg.Retention.Interval != time.Hour {
		t.Errorf("defaults lost: store=%+v retention=%+v", cfg.Store, cfg.Retention)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "jobengine.jsonc")
	configContent := `{
  // Production engine.
  "environment": "production",
  "store": {"path": "/srv/jobengine/engine.db", "compression": "lz4"},
  /* A stricter web breaker. */
  "services": {
    "web": {"breaker": {"failure_threshold": 2}},
  },
}`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.Environment != Production || cfg.Store.Compression != "lz4" {
		t.Errorf("unexpected config: environment=%s compression=%s", cfg.Environment, cfg.Store.Compression)
	}
	if got := cfg.Service("web").Breaker.FailureThreshold; got != 2 {
		t.Errorf("web failure_threshold = %d, want 2", got)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}

	configPath := filepath.Join(t.TempDir(), "broken.yaml")
	os.WriteFile(configPath, []byte("dispatcher: [not, a, map"), 0644)
	if _, err := LoadFile(configPath); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
environment: production
dispatcher:
  concurrency: 2
services:
  web:
    limiter:
      max_concurrent: 8
production:
  environment: development
  dispatcher:
    concurrency: 16
  retention:
    terminal_jobs: 720h
staging:
  dispatcher:
    concurrency: 3
`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if cfg.Dispatcher.Concurrency != 16 {
		t.Errorf("expected production concurrency=16, got %d", cfg.Dispatcher.Concurrency)
	}
	if cfg.Dispatcher.ShutdownTimeout != 30*time.Second {
		t.Errorf("override section reset shutdown_timeout to %v", cfg.Dispatcher.ShutdownTimeout)
	}
	if cfg.Retention.TerminalJobs != 720*time.Hour {
		t.Errorf("expected terminal_jobs=720h, got %v", cfg.Retention.TerminalJobs)
	}
	if cfg.Environment != Production {
		t.Errorf("override section switched environment to %s", cfg.Environment)
	}
	if cfg.Service("web").Limiter.MaxConcurrent != 8 {
		t.Errorf("base services lost: %+v", cfg.Services)
	}
}

func TestServiceResolution(t *testing.T) {
	cfg, err := Parse([]byte(`
service_defaults:
  breaker:
    failure_threshold: 3
    reset_timeout: 10s
    half_open_max_attempts: 1
  limiter:
    max_concurrent: 2
services:
  indexer:
    breaker:
      reset_timeout: 1m
    limiter:
      max_concurrent: 1
`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	indexer := cfg.Service("indexer")
	if indexer.Breaker.FailureThreshold != 3 || indexer.Breaker.ResetTimeout != time.Minute || indexer.Limiter.MaxConcurrent != 1 {
		t.Errorf("indexer = %+v", indexer)
	}
	unlisted := cfg.Service("web")
	if unlisted != cfg.ServiceDefaults {
		t.Errorf("unlisted service = %+v, want defaults %+v", unlisted, cfg.ServiceDefaults)
	}
	if breakers := cfg.Breakers(); len(breakers) != 1 || breakers["indexer"].ResetTimeout != time.Minute {
		t.Errorf("Breakers() = %+v", breakers)
	}
	if limiters := cfg.Limiters(); limiters["indexer"].MaxConcurrent != 1 {
		t.Errorf("Limiters() = %+v", limiters)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	t.Setenv("JOBENGINE_STORE_PATH", "/should/not/be/used")
	cfg, err := Parse([]byte("store:\n  path: /from/config.db\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Store.Path != "/from/config.db" {
		t.Errorf("environment variable leaked into store.path: %s", cfg.Store.Path)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("JOBENGINE_TEST_DIR", "/var/lib/test")

	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{"${HOME}/engine.db", map[string]string{"HOME": "/home/ops"}, "/home/ops/engine.db"},
		{"${JOBENGINE_TEST_DIR}/engine.db", nil, "/var/lib/test/engine.db"},
		{"${JOBENGINE_UNSET_VAR:-/run/user/1000}/jobengine.sock", nil, "/run/user/1000/jobengine.sock"},
		{"${JOBENGINE_UNSET_VAR}/x", nil, "/x"},
		{"/plain/path", nil, "/plain/path"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, test.vars); got != test.expected {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "qa" }, "invalid environment"},
		{"no store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"bad compression", func(c *Config) { c.Store.Compression = "brotli" }, "store.compression"},
		{"zero concurrency", func(c *Config) { c.Dispatcher.Concurrency = 0 }, "dispatcher.concurrency"},
		{"bad backoff", func(c *Config) { c.Backoff.Cap = time.Millisecond }, "backoff"},
		{"bad service", func(c *Config) {
			c.Services = map[string]ServiceConfig{"web": {Limiter: limiter.Config{MaxConcurrent: -1}}}
		}, "services.web"},
		{"http without rate", func(c *Config) { c.HTTP.Listen = ":8080"; c.HTTP.SubmitRate = 0 }, "http.submit_rate"},
		{"bad indexer url", func(c *Config) { c.Ingest.IndexerURL = "indexer:9200" }, "indexer_url"},
		{"retention without interval", func(c *Config) { c.Retention.Interval = 0 }, "retention.interval"},
		{"retention disabled", func(c *Config) { c.Retention.TerminalJobs = 0; c.Retention.Interval = 0 }, ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			cfg.expandVariables()
			test.modify(cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Store.Path = ""
	cfg.Socket.Path = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"store.path", "socket.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Store.Path = filepath.Join(root, "state", "engine.db")
	cfg.Socket.Path = filepath.Join(root, "run", "jobengine.sock")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths() failed: %v", err)
	}
	for _, dir := range []string{"state", "run"} {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}
