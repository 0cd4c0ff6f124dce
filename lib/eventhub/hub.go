// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventhub fans job lifecycle events out to subscribers.
//
// The hub implements job.EventSink. Publish never blocks: each
// subscriber has its own queue. Terminal events (worker:completed,
// worker:failed) are always queued, so every subscriber sees the end
// of every job it was subscribed for. Progress events are
// best-effort: once a subscriber has more than MaxPending of them
// queued, the oldest progress event is dropped and counted.
package eventhub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/enai-computer/enai-sub002/lib/job"
)

// ErrClosed is returned by Next once the subscription or hub is
// closed and no events remain.
var ErrClosed = errors.New("eventhub: subscription closed")

// DefaultMaxPending bounds queued progress events per subscriber.
const DefaultMaxPending = 256

// Config tunes a Hub.
type Config struct {
	// MaxPending defaults to DefaultMaxPending.
	MaxPending int

	Logger *slog.Logger
}

// Hub is safe for concurrent use.
type Hub struct {
	maxPending int
	logger     *slog.Logger

	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	closed      bool
}

// New creates a Hub with no subscribers.
func New(config Config) *Hub {
	maxPending := config.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		maxPending:  maxPending,
		logger:      logger,
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Publish queues event for every subscriber whose filter accepts it.
func (h *Hub) Publish(event job.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for subscription := range h.subscribers {
		if subscription.match != nil && !subscription.match(event) {
			continue
		}
		subscription.enqueue(event)
	}
}

// Subscribe registers a subscriber. A nil match receives every event.
// The caller must Close the subscription when done.
func (h *Hub) Subscribe(match func(job.Event) bool) *Subscription {
	subscription := &Subscription{
		hub:        h,
		match:      match,
		maxPending: h.maxPending,
		wake:       make(chan struct{}, 1),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		subscription.closed = true
		return subscription
	}
	h.subscribers[subscription] = struct{}{}
	return subscription
}

// SubscriberCount returns the number of open subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close ends every subscription. Queued events can still be read.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for subscription := range h.subscribers {
		subscription.markClosed()
	}
	h.logger.Info("event hub closed", "subscribers", len(h.subscribers))
	clear(h.subscribers)
}

func (h *Hub) remove(subscription *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, subscription)
}

// Subscription is one subscriber's queue. Next may be called from one
// goroutine at a time; Close from any.
type Subscription struct {
	hub        *Hub
	match      func(job.Event) bool
	maxPending int
	wake       chan struct{}

	mu       sync.Mutex
	queue    []job.Event
	progress int
	dropped  uint64
	closed   bool
}

func (s *Subscription) enqueue(event job.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, event)
	if !event.Kind.Terminal() {
		s.progress++
		if s.progress > s.maxPending {
			s.dropOldestProgress()
		}
	}
	s.signal()
}

// dropOldestProgress removes the first non-terminal event. Caller
// holds s.mu.
func (s *Subscription) dropOldestProgress() {
	for i, queued := range s.queue {
		if !queued.Kind.Terminal() {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.progress--
			s.dropped++
			return
		}
	}
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.signal()
}

// signal wakes Next. Caller holds s.mu.
func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the oldest queued event, waiting until one arrives,
// ctx is done, or the subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (job.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue[0] = job.Event{}
			s.queue = s.queue[1:]
			if !event.Kind.Terminal() {
				s.progress--
			}
			s.mu.Unlock()
			return event, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return job.Event{}, ErrClosed
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return job.Event{}, ctx.Err()
		}
	}
}

// Dropped returns how many progress events were discarded because
// the subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Events already queued can still be read.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.markClosed()
}
