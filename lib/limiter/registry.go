// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package limiter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry owns the limiters of one engine, created lazily by service
// name.
type Registry struct {
	defaults Config
	services map[string]Config

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry validates defaults and every per-service override.
func NewRegistry(defaults Config, services map[string]Config) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("limiter: defaults: %w", err)
	}
	for service, config := range services {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("limiter: service %q: %w", service, err)
		}
	}
	return &Registry{
		defaults: defaults,
		services: services,
		limiters: make(map[string]*Limiter),
	}, nil
}

// Get returns the limiter for service, creating it on first use.
func (r *Registry) Get(service string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.limiters[service]; ok {
		return existing
	}
	config, ok := r.services[service]
	if !ok {
		config = r.defaults
	}
	created := New(service, config)
	r.limiters[service] = created
	return created
}

// Stats reports one service's limiter. A service with no limiter yet
// reports the capacity it would get and false.
func (r *Registry) Stats(service string) (Stats, bool) {
	r.mu.Lock()
	existing, ok := r.limiters[service]
	config, configured := r.services[service]
	r.mu.Unlock()
	if ok {
		return existing.Stats(), true
	}
	if !configured {
		config = r.defaults
	}
	return Stats{Service: service, MaxConcurrent: config.MaxConcurrent}, false
}

// AllStats reports every limiter created so far, sorted by service.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	stats := make([]Stats, 0, len(r.limiters))
	for _, existing := range r.limiters {
		stats = append(stats, existing.Stats())
	}
	r.mu.Unlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Service < stats[j].Service })
	return stats
}
