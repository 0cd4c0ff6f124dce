// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/enai-computer/enai-sub002/lib/clock"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Defaults applies to any service without an entry in Services.
	Defaults Config

	// Services overrides Defaults per service name.
	Services map[string]Config

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry owns the breakers of one engine, created lazily by
// service name.
type Registry struct {
	defaults Config
	services map[string]Config
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry validates every configured breaker up front so a bad
// config fails at startup rather than at first use.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("breaker: defaults: %w", err)
	}
	for service, serviceConfig := range config.Services {
		if err := serviceConfig.Validate(); err != nil {
			return nil, fmt.Errorf("breaker: service %q: %w", service, err)
		}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		defaults: config.Defaults,
		services: config.Services,
		clock:    config.Clock,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}, nil
}

// Get returns the breaker for service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.breakers[service]; ok {
		return existing
	}
	config, ok := r.services[service]
	if !ok {
		config = r.defaults
	}
	created := New(service, config, r.clock, r.logger)
	r.breakers[service] = created
	return created
}

// Snapshot reports the state of one service's breaker. A service
// that has never been called reports a closed breaker and false.
func (r *Registry) Snapshot(service string) (Snapshot, bool) {
	r.mu.Lock()
	existing, ok := r.breakers[service]
	r.mu.Unlock()
	if !ok {
		return Snapshot{Service: service, State: Closed}, false
	}
	return existing.Snapshot(), true
}

// Snapshots reports every breaker created so far, sorted by service.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, existing := range r.breakers {
		breakers = append(breakers, existing)
	}
	r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(breakers))
	for _, existing := range breakers {
		snapshots = append(snapshots, existing.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Service < snapshots[j].Service
	})
	return snapshots
}

// Reset forces one service's breaker closed. Returns false if the
// service has no breaker yet.
func (r *Registry) Reset(service string) bool {
	r.mu.Lock()
	existing, ok := r.breakers[service]
	r.mu.Unlock()
	if !ok {
		return false
	}
	existing.Reset()
	return true
}
