// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enai-computer/enai-sub002/lib/eventhub"
	"github.com/enai-computer/enai-sub002/lib/job"
)

// eventWriteTimeout bounds one websocket write. A client that cannot
// keep up is disconnected; its subscription absorbs the backlog until
// then.
const eventWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamEvents upgrades to a websocket and writes every matching job
// event as a JSON message until the client disconnects or the server
// shuts down. Query parameters job_id and type narrow the stream.
func (e *engine) streamEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	jobID := query.Get("job_id")
	jobType := query.Get("type")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		e.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subscription := e.hub.Subscribe(func(event job.Event) bool {
		return (jobID == "" || event.JobID == jobID) && (jobType == "" || event.JobType == jobType)
	})
	defer subscription.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client sends nothing, but reading is how a close frame or a
	// dropped connection is noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	e.logger.Debug("event stream opened", "job_id", jobID, "job_type", jobType)
	for {
		event, err := subscription.Next(ctx)
		if err != nil {
			code := websocket.CloseNormalClosure
			if errors.Is(err, eventhub.ErrClosed) || r.Context().Err() != nil {
				code = websocket.CloseGoingAway
			}
			deadline := time.Now().Add(time.Second) //nolint:realclock network deadline
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
			break
		}
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)) //nolint:realclock network deadline
		if err := conn.WriteJSON(event); err != nil {
			e.logger.Debug("event stream write failed", "error", err)
			break
		}
	}
	e.logger.Debug("event stream closed", "job_id", jobID, "dropped_progress", subscription.Dropped())
}
