// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/enai-computer/enai-sub002/lib/codec"
	"github.com/enai-computer/enai-sub002/lib/dispatch"
	"github.com/enai-computer/enai-sub002/lib/jobqueue"
	"github.com/enai-computer/enai-sub002/lib/netutil"
	"github.com/enai-computer/enai-sub002/lib/version"
)

// maxSubmitBody bounds a JSON submission.
const maxSubmitBody = 1 << 20

// router builds the HTTP API.
func (e *engine) router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(e.logRequests)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", e.httpSubmit)
		r.Get("/jobs", e.httpList)
		r.Get("/jobs/{id}", e.httpJob)
		r.Get("/breakers", e.httpBreakers)
		r.Get("/breakers/{service}", e.httpBreaker)
		r.Post("/breakers/{service}/reset", e.httpBreakerReset)
		r.Get("/limiters", e.httpLimiters)
		r.Get("/stats", e.httpStats)
		r.Get("/documents/{id}", e.httpDocument)
		r.Get("/events", e.streamEvents)
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, version.Current())
		})
	})
	return router
}

func (e *engine) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now() //nolint:realclock request latency is wall-clock
		next.ServeHTTP(wrapped, r)
		e.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"bytes", wrapped.BytesWritten(),
			"duration", time.Since(started), //nolint:realclock request latency is wall-clock
		)
	})
}

// httpSubmitRequest is the JSON form of submitRequest. The payload is
// any JSON value and is converted to CBOR before submission.
type httpSubmitRequest struct {
	JobType     string          `json:"job_type"`
	ResourceKey string          `json:"resource_key"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
}

func (e *engine) httpSubmit(w http.ResponseWriter, r *http.Request) {
	var request httpSubmitRequest
	if err := netutil.DecodeJSON(r.Body, maxSubmitBody, &request); err != nil {
		e.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	payload, err := codec.FromJSON(request.Payload)
	if err != nil {
		e.writeError(w, fmt.Errorf("%w: payload: %v", errBadRequest, err))
		return
	}

	response, err := e.submit(r.Context(), submitRequest{
		JobType:     request.JobType,
		ResourceKey: request.ResourceKey,
		Payload:     payload,
		Priority:    request.Priority,
		MaxAttempts: request.MaxAttempts,
	})
	if err != nil {
		e.writeError(w, err)
		return
	}
	status := http.StatusOK
	if response.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, response)
}

func (e *engine) httpList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	request := listRequest{
		Status:  query.Get("status"),
		JobType: query.Get("type"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			e.writeError(w, fmt.Errorf("%w: limit must be an integer", errBadRequest))
			return
		}
		request.Limit = limit
	}
	jobs, err := e.list(r.Context(), request)
	if err != nil {
		e.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (e *engine) httpJob(w http.ResponseWriter, r *http.Request) {
	view, err := e.lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		e.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (e *engine) httpBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.dispatcher.CircuitBreakers())
}

func (e *engine) httpBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.dispatcher.CircuitBreakerState(chi.URLParam(r, "service")))
}

func (e *engine) httpBreakerReset(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if err := e.resetBreaker(service); err != nil {
		e.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e.dispatcher.CircuitBreakerState(service))
}

func (e *engine) httpLimiters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.dispatcher.Limiters())
}

func (e *engine) httpStats(w http.ResponseWriter, r *http.Request) {
	stats, err := e.stats(r.Context())
	if err != nil {
		e.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (e *engine) httpDocument(w http.ResponseWriter, r *http.Request) {
	document, err := e.document(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		e.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, document)
}

// errorStatus maps an engine error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, dispatch.ErrUnknownJobType),
		errors.Is(err, dispatch.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, jobqueue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (e *engine) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		e.logger.Error("http request failed", "error", err)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		slog.Debug("writing http response", "error", err)
	}
}
