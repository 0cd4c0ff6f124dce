// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/enai-computer/enai-sub002/lib/codec"
	"github.com/enai-computer/enai-sub002/lib/service"
	"github.com/enai-computer/enai-sub002/lib/version"
)

// registerActions installs the control socket actions used by jobctl.
func (e *engine) registerActions(server *service.SocketServer) {
	server.Handle("submit", e.handleSubmit)
	server.Handle("status", e.handleStatus)
	server.Handle("list", e.handleList)
	server.Handle("breakers", e.handleBreakers)
	server.Handle("breaker-reset", e.handleBreakerReset)
	server.Handle("limiters", e.handleLimiters)
	server.Handle("stats", e.handleStats)
	server.Handle("document", e.handleDocument)
	server.Handle("version", func(context.Context, []byte) (any, error) {
		return version.Current(), nil
	})
}

func decodeRequest(raw []byte, request any) error {
	if err := codec.Unmarshal(raw, request); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (e *engine) handleSubmit(ctx context.Context, raw []byte) (any, error) {
	var request submitRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	return e.submit(ctx, request)
}

type idRequest struct {
	ID string `cbor:"id"`
}

func (e *engine) handleStatus(ctx context.Context, raw []byte) (any, error) {
	var request idRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	return e.lookup(ctx, request.ID)
}

func (e *engine) handleList(ctx context.Context, raw []byte) (any, error) {
	var request listRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	return e.list(ctx, request)
}

type serviceRequest struct {
	Service string `cbor:"service"`
}

func (e *engine) handleBreakers(ctx context.Context, raw []byte) (any, error) {
	var request serviceRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	if request.Service != "" {
		return e.dispatcher.CircuitBreakerState(request.Service), nil
	}
	return e.dispatcher.CircuitBreakers(), nil
}

func (e *engine) handleBreakerReset(ctx context.Context, raw []byte) (any, error) {
	var request serviceRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	if err := e.resetBreaker(request.Service); err != nil {
		return nil, err
	}
	return e.dispatcher.CircuitBreakerState(request.Service), nil
}

func (e *engine) handleLimiters(ctx context.Context, raw []byte) (any, error) {
	var request serviceRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	if request.Service != "" {
		return e.dispatcher.LimiterStats(request.Service), nil
	}
	return e.dispatcher.Limiters(), nil
}

func (e *engine) handleStats(ctx context.Context, raw []byte) (any, error) {
	return e.stats(ctx)
}

func (e *engine) handleDocument(ctx context.Context, raw []byte) (any, error) {
	var request idRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	return e.document(ctx, request.ID)
}
