// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/enai-computer/enai-sub002/lib/backoff"
	"github.com/enai-computer/enai-sub002/lib/breaker"
	"github.com/enai-computer/enai-sub002/lib/ingest"
	"github.com/enai-computer/enai-sub002/lib/jobstore"
	"github.com/enai-computer/enai-sub002/lib/limiter"
)

// EnvironmentVariable names the variable [Load] reads the config
// path from.
const EnvironmentVariable = "JOBENGINE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the job engine's configuration.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	Store      StoreConfig      `yaml:"store"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Backoff spaces both queue-level job retries and external-call
	// retries inside the transaction coordinator.
	Backoff backoff.Config `yaml:"backoff"`

	// ServiceDefaults applies to every external service without an
	// entry in Services.
	ServiceDefaults ServiceConfig `yaml:"service_defaults"`

	// Services tunes individual services. Zero fields inherit from
	// ServiceDefaults.
	Services map[string]ServiceConfig `yaml:"services"`

	Socket    SocketConfig    `yaml:"socket"`
	HTTP      HTTPConfig      `yaml:"http"`
	Ingest    ingest.Settings `yaml:"ingest"`
	Retention RetentionConfig `yaml:"retention"`

	// Environment sections, decoded over the base values when
	// Environment matches.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// StoreConfig configures the SQLite database holding jobs and
// documents.
type StoreConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`

	// Compression is "none", "lz4" or "zstd".
	Compression       string `yaml:"compression"`
	CompressThreshold int    `yaml:"compress_threshold"`
}

// DispatcherConfig configures the worker pool.
type DispatcherConfig struct {
	Concurrency int `yaml:"concurrency"`

	// ShutdownTimeout bounds how long a stop waits for running jobs.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ServiceConfig guards one external service.
type ServiceConfig struct {
	Breaker breaker.Config `yaml:"breaker"`
	Limiter limiter.Config `yaml:"limiter"`
}

// SocketConfig configures the local control socket.
type SocketConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the HTTP API. An empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen"`

	// SubmitRate and SubmitBurst throttle job submissions from the
	// HTTP and socket surfaces combined, in submissions per second.
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// RetentionConfig controls purging of finished job records.
type RetentionConfig struct {
	// TerminalJobs is how long succeeded and failed jobs are kept.
	// Zero keeps them forever.
	TerminalJobs time.Duration `yaml:"terminal_jobs"`

	// Interval is the time between purges.
	Interval time.Duration `yaml:"interval"`
}

// Default returns the default configuration. These defaults are the
// base the config file is decoded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Store: StoreConfig{
			Path:              "${HOME}/.local/state/jobengine/engine.db",
			PoolSize:          4,
			Compression:       string(jobstore.CompressionZstd),
			CompressThreshold: jobstore.DefaultCompressThreshold,
		},
		Dispatcher: DispatcherConfig{
			Concurrency:     4,
			ShutdownTimeout: 30 * time.Second,
		},
		Backoff: backoff.DefaultConfig(),
		ServiceDefaults: ServiceConfig{
			Breaker: breaker.DefaultConfig(),
			Limiter: limiter.DefaultConfig(),
		},
		Socket: SocketConfig{
			Path: "${XDG_RUNTIME_DIR:-/tmp}/jobengine.sock",
		},
		HTTP: HTTPConfig{
			SubmitRate:        20,
			SubmitBurst:       40,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Ingest: ingest.DefaultSettings(),
		Retention: RetentionConfig{
			TerminalJobs: 7 * 24 * time.Hour,
			Interval:     time.Hour,
		},
	}
}

// Load loads configuration from the file named by JOBENGINE_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML (or plain JSON) over [Default], applies the
// matching environment section and expands path variables.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides decodes the matching environment section
// over the current values.
func (c *Config) applyEnvironmentOverrides() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = &c.Development
	case Staging:
		section = &c.Staging
	case Production:
		section = &c.Production
	}
	if section == nil || section.Kind == 0 {
		return nil
	}
	environment := c.Environment
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("%s section: %w", environment, err)
	}
	// A section cannot switch environments.
	c.Environment = environment
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Socket.Path = expandVars(c.Socket.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Service returns the resolved configuration for one service: its
// entry in Services with zero fields taken from ServiceDefaults.
func (c *Config) Service(name string) ServiceConfig {
	resolved := c.ServiceDefaults
	override, ok := c.Services[name]
	if !ok {
		return resolved
	}
	if override.Breaker.FailureThreshold != 0 {
		resolved.Breaker.FailureThreshold = override.Breaker.FailureThreshold
	}
	if override.Breaker.ResetTimeout != 0 {
		resolved.Breaker.ResetTimeout = override.Breaker.ResetTimeout
	}
	if override.Breaker.HalfOpenMaxAttempts != 0 {
		resolved.Breaker.HalfOpenMaxAttempts = override.Breaker.HalfOpenMaxAttempts
	}
	if override.Limiter.MaxConcurrent != 0 {
		resolved.Limiter.MaxConcurrent = override.Limiter.MaxConcurrent
	}
	return resolved
}

// ServiceNames returns the services with their own entry, sorted.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Breakers returns the resolved breaker configuration of every
// listed service.
func (c *Config) Breakers() map[string]breaker.Config {
	resolved := make(map[string]breaker.Config, len(c.Services))
	for _, name := range c.ServiceNames() {
		resolved[name] = c.Service(name).Breaker
	}
	return resolved
}

// Limiters returns the resolved limiter configuration of every
// listed service.
func (c *Config) Limiters() map[string]limiter.Config {
	resolved := make(map[string]limiter.Config, len(c.Services))
	for _, name := range c.ServiceNames() {
		resolved[name] = c.Service(name).Limiter
	}
	return resolved
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("store.pool_size must be at least 1"))
	}
	if _, err := jobstore.ParseCompression(c.Store.Compression); err != nil {
		errs = append(errs, fmt.Errorf("store.compression: %w", err))
	}
	if c.Store.CompressThreshold < 0 {
		errs = append(errs, fmt.Errorf("store.compress_threshold must not be negative"))
	}

	if c.Dispatcher.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("dispatcher.concurrency must be at least 1"))
	}
	if c.Dispatcher.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.shutdown_timeout must be positive"))
	}

	if err := c.Backoff.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ServiceDefaults.Breaker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("service_defaults: %w", err))
	}
	if err := c.ServiceDefaults.Limiter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("service_defaults: %w", err))
	}
	for _, name := range c.ServiceNames() {
		resolved := c.Service(name)
		if err := resolved.Breaker.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("services.%s: %w", name, err))
		}
		if err := resolved.Limiter.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("services.%s: %w", name, err))
		}
	}

	if c.Socket.Path == "" {
		errs = append(errs, fmt.Errorf("socket.path is required"))
	}
	if c.HTTP.Listen != "" {
		if c.HTTP.SubmitRate <= 0 {
			errs = append(errs, fmt.Errorf("http.submit_rate must be positive"))
		}
		if c.HTTP.SubmitBurst < 1 {
			errs = append(errs, fmt.Errorf("http.submit_burst must be at least 1"))
		}
	}

	if err := c.Ingest.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Retention.TerminalJobs < 0 {
		errs = append(errs, fmt.Errorf("retention.terminal_jobs must not be negative"))
	}
	if c.Retention.TerminalJobs > 0 && c.Retention.Interval <= 0 {
		errs = append(errs, fmt.Errorf("retention.interval must be positive when retention is enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories holding the store and socket.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Store.Path, c.Socket.Path} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("config: creating directory for %s: %w", path, err)
		}
	}
	return nil
}
