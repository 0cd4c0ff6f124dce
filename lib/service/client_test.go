// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/enai-computer/enai-sub002/lib/codec"
)

type submitResult struct {
	JobID   string `cbor:"job_id"`
	Created bool   `cbor:"created"`
}

func TestClientCall(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, nil)
	server.Handle("submit", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Action      string `cbor:"action"`
			JobType     string `cbor:"job_type"`
			ResourceKey string `cbor:"resource_key"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		if request.Action != "submit" || request.JobType != "fetch-url" {
			return nil, errors.New("unexpected request")
		}
		return submitResult{JobID: "job-" + request.ResourceKey, Created: true}, nil
	})
	startServer(t, server)

	client := NewServiceClient(socketPath)
	var result submitResult
	err := client.Call(context.Background(), "submit", map[string]any{
		"job_type":     "fetch-url",
		"resource_key": "a",
	}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.JobID != "job-a" || !result.Created {
		t.Errorf("result = %+v", result)
	}
}

func TestClientCallNilResult(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, nil)
	server.Handle("stats", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]int{"busy": 1}, nil
	})
	startServer(t, server)

	if err := NewServiceClient(socketPath).Call(context.Background(), "stats", nil, nil); err != nil {
		t.Fatalf("Call with nil result: %v", err)
	}
}

func TestClientCallServiceError(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, nil)
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return nil, errors.New("job not found")
	})
	startServer(t, server)

	err := NewServiceClient(socketPath).Call(context.Background(), "status", map[string]any{"job_id": "x"}, nil)
	var serviceError *ServiceError
	if !errors.As(err, &serviceError) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if serviceError.Action != "status" || serviceError.Message != "job not found" {
		t.Errorf("ServiceError = %+v", serviceError)
	}
}

func TestClientCallConnectionRefused(t *testing.T) {
	client := NewServiceClient(filepath.Join(t.TempDir(), "absent.sock"))
	err := client.Call(context.Background(), "stats", nil, nil)
	if err == nil {
		t.Fatal("expected a connection error")
	}
	var serviceError *ServiceError
	if errors.As(err, &serviceError) {
		t.Errorf("connection failure reported as a service error: %v", err)
	}
	if !strings.Contains(err.Error(), "connecting") {
		t.Errorf("err = %v", err)
	}
}

func TestClientCallHonorsContext(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, nil)
	release := make(chan struct{})
	defer close(release)
	server.Handle("slow", func(ctx context.Context, raw []byte) (any, error) {
		<-release
		return nil, nil
	})
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewServiceClient(socketPath).Call(ctx, "slow", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}
