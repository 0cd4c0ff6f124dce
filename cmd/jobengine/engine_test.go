// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/enai-computer/enai-sub002/lib/clock"
	"github.com/enai-computer/enai-sub002/lib/codec"
	"github.com/enai-computer/enai-sub002/lib/config"
	"github.com/enai-computer/enai-sub002/lib/job"
	"github.com/enai-computer/enai-sub002/lib/process"
	"github.com/enai-computer/enai-sub002/lib/service"
	"github.com/enai-computer/enai-sub002/lib/testutil"
	"github.com/enai-computer/enai-sub002/lib/watchdog"
)

var epoch = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

// syncBuffer is a bytes.Buffer safe for a logger shared by several
// goroutines.
type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Socket.Path = filepath.Join(testutil.SocketDir(t), "engine.sock")
	cfg.Dispatcher.ShutdownTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, logger *slog.Logger) (*engine, *clock.FakeClock) {
	t.Helper()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fake := clock.Fake(epoch)
	e, err := openEngine(context.Background(), cfg, fake, logger)
	if err != nil {
		t.Fatalf("openEngine: %v", err)
	}
	t.Cleanup(e.Close)
	return e, fake
}

// startEngine runs e until the test ends and waits for its socket.
func startEngine(t *testing.T, e *engine) (client *service.ServiceClient, stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx)
	}()

	client = service.NewServiceClient(e.config.Socket.Path)
	testutil.RequireEventually(t, func() bool {
		return client.Call(context.Background(), "version", nil, nil) == nil
	}, 5*time.Second, "engine socket did not come up")

	stopped := false
	stop = func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		return testutil.RequireReceive(t, done, 10*time.Second, "Run did not return after cancellation")
	}
	t.Cleanup(func() { stop() })
	return client, stop
}

func doJSON(t *testing.T, method, url, body string, target any) int {
	t.Helper()
	request, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if target != nil {
		if err := json.Unmarshal(data, target); err != nil {
			t.Fatalf("decoding %s %s response %q: %v", method, url, data, err)
		}
	}
	return response.StatusCode
}

func TestHTTPSubmitAndInspect(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t), nil)
	server := httptest.NewServer(e.router())
	defer server.Close()

	body := `{"job_type": "fetch-url", "resource_key": "https://example.test/a", "payload": {"url": "https://example.test/a"}, "priority": 5}`
	var submitted submitResponse
	if status := doJSON(t, http.MethodPost, server.URL+"/v1/jobs", body, &submitted); status != http.StatusCreated {
		t.Fatalf("submit status = %d, want 201", status)
	}
	if !submitted.Created || submitted.Status != job.StatusQueued || !job.ValidID(submitted.JobID) {
		t.Fatalf("submit response = %+v", submitted)
	}

	var duplicate submitResponse
	if status := doJSON(t, http.MethodPost, server.URL+"/v1/jobs", body, &duplicate); status != http.StatusOK {
		t.Errorf("duplicate submit status = %d, want 200", status)
	}
	if duplicate.Created || duplicate.JobID != submitted.JobID {
		t.Errorf("duplicate response = %+v, want the held job %s", duplicate, submitted.JobID)
	}

	var view struct {
		ID       string         `json:"id"`
		Type     string         `json:"type"`
		Status   job.Status     `json:"status"`
		Priority int            `json:"priority"`
		Payload  map[string]any `json:"payload"`
	}
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/jobs/"+submitted.JobID, "", &view); status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	if view.ID != submitted.JobID || view.Type != "fetch-url" || view.Status != job.StatusQueued || view.Priority != 5 {
		t.Errorf("job = %+v", view)
	}
	if view.Payload["url"] != "https://example.test/a" {
		t.Errorf("payload = %v", view.Payload)
	}

	var listed []job.Job
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/jobs?status=queued&type=fetch-url", "", &listed); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if len(listed) != 1 || listed[0].ID != submitted.JobID {
		t.Errorf("list = %+v", listed)
	}

	var stats statsView
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/stats", "", &stats); status != http.StatusOK {
		t.Fatalf("stats status = %d", status)
	}
	if stats.Dispatcher.Queue.Queued != 1 || stats.Stored[job.StatusQueued] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHTTPSubmitRejections(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t), nil)
	server := httptest.NewServer(e.router())
	defer server.Close()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"job_type":`, "bad request"},
		{"missing type", `{"resource_key": "k"}`, "job_type is required"},
		{"missing resource key", `{"job_type": "fetch-url"}`, "resource_key is required"},
		{"unknown type", `{"job_type": "transcode", "resource_key": "k"}`, "no processor registered"},
		{"index disabled", `{"job_type": "index-document", "resource_key": "k"}`, "no processor registered"},
		{"invalid payload", `{"job_type": "fetch-url", "resource_key": "k", "payload": {"url": "ftp://example.test"}}`, "scheme must be http or https"},
		{"negative attempts", `{"job_type": "fetch-url", "resource_key": "k", "max_attempts": -1}`, "max_attempts"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var response map[string]string
			if status := doJSON(t, http.MethodPost, server.URL+"/v1/jobs", test.body, &response); status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", status)
			}
			if !strings.Contains(response["error"], test.want) {
				t.Errorf("error = %q, want it to contain %q", response["error"], test.want)
			}
		})
	}

	stats, err := e.stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats.Stored) != 0 {
		t.Errorf("rejected submissions were stored: %v", stats.Stored)
	}
}

func TestHTTPLookupErrors(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t), nil)
	server := httptest.NewServer(e.router())
	defer server.Close()

	if status := doJSON(t, http.MethodGet, server.URL+"/v1/jobs/not-a-uuid", "", nil); status != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", status)
	}
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/jobs/"+job.NewID(), "", nil); status != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", status)
	}
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/jobs?status=paused", "", nil); status != http.StatusBadRequest {
		t.Errorf("unknown status filter = %d, want 400", status)
	}
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/jobs?limit=many", "", nil); status != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", status)
	}
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/documents/"+job.NewID(), "", nil); status != http.StatusNotFound {
		t.Errorf("unknown document = %d, want 404", status)
	}
}

func TestHTTPSubmissionsAreThrottled(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.SubmitRate = 0.001
	cfg.HTTP.SubmitBurst = 1
	e, _ := newTestEngine(t, cfg, nil)
	server := httptest.NewServer(e.router())
	defer server.Close()

	first := `{"job_type": "fetch-url", "resource_key": "a", "payload": {"url": "https://example.test/a"}}`
	second := `{"job_type": "fetch-url", "resource_key": "b", "payload": {"url": "https://example.test/b"}}`
	if status := doJSON(t, http.MethodPost, server.URL+"/v1/jobs", first, nil); status != http.StatusCreated {
		t.Fatalf("first submit = %d, want 201", status)
	}
	if status := doJSON(t, http.MethodPost, server.URL+"/v1/jobs", second, nil); status != http.StatusTooManyRequests {
		t.Errorf("second submit = %d, want 429", status)
	}
}

func TestHTTPBreakerControls(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t), nil)
	server := httptest.NewServer(e.router())
	defer server.Close()

	web := e.breakers.Get("web")
	unreachable := errors.New("connection refused")
	for range 5 {
		web.Execute(context.Background(), func(context.Context) error { return unreachable })
	}

	var snapshot struct {
		Service string `json:"service"`
		State   string `json:"state"`
	}
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/breakers/web", "", &snapshot); status != http.StatusOK {
		t.Fatalf("breaker status = %d", status)
	}
	if snapshot.Service != "web" || snapshot.State != "open" {
		t.Errorf("breaker = %+v, want web open", snapshot)
	}

	if status := doJSON(t, http.MethodPost, server.URL+"/v1/breakers/web/reset", "", &snapshot); status != http.StatusOK {
		t.Fatalf("reset status = %d", status)
	}
	if snapshot.State != "closed" {
		t.Errorf("after reset state = %q, want closed", snapshot.State)
	}
	if status := doJSON(t, http.MethodPost, server.URL+"/v1/breakers/nowhere/reset", "", nil); status != http.StatusNotFound {
		t.Errorf("reset unknown breaker = %d, want 404", status)
	}

	var all []map[string]any
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/breakers", "", &all); status != http.StatusOK || len(all) != 1 {
		t.Errorf("breakers = %d %v", status, all)
	}

	e.limiters.Get("web")
	var limiters []map[string]any
	if status := doJSON(t, http.MethodGet, server.URL+"/v1/limiters", "", &limiters); status != http.StatusOK || len(limiters) != 1 {
		t.Errorf("limiters = %d %v", status, limiters)
	}
}

func TestEngineRunServesSocketAndStopsCleanly(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><title>Engine</title><body>ok</body></html>")
	}))
	defer page.Close()

	e, _ := newTestEngine(t, testConfig(t), nil)
	client, stop := startEngine(t, e)

	if _, err := os.Stat(e.markerPath); err != nil {
		t.Errorf("run marker not written: %v", err)
	}

	payload, err := codec.FromJSON([]byte(`{"url": "` + page.URL + `/doc"}`))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	var submitted submitResponse
	err = client.Call(context.Background(), "submit", map[string]any{
		"job_type":     "fetch-url",
		"resource_key": page.URL + "/doc",
		"payload":      payload,
	}, &submitted)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var finished jobView
	testutil.RequireEventually(t, func() bool {
		if err := client.Call(context.Background(), "status", map[string]any{"id": submitted.JobID}, &finished); err != nil {
			return false
		}
		return finished.Status.Terminal()
	}, 10*time.Second, "fetch job did not finish")
	if finished.Status != job.StatusSucceeded {
		t.Fatalf("job finished %s: %s", finished.Status, finished.ErrorInfo)
	}

	var document struct {
		Title  string `cbor:"title"`
		Status string `cbor:"status"`
	}
	if err := client.Call(context.Background(), "document", map[string]any{"id": finished.RelatedResourceID}, &document); err != nil {
		t.Fatalf("document: %v", err)
	}
	if document.Title != "Engine" || document.Status != "fetched" {
		t.Errorf("document = %+v", document)
	}

	var serviceError *service.ServiceError
	err = client.Call(context.Background(), "breaker-reset", map[string]any{"service": "nowhere"}, nil)
	if !errors.As(err, &serviceError) || !strings.Contains(serviceError.Message, "no circuit breaker") {
		t.Errorf("breaker-reset unknown = %v", err)
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(e.markerPath); !os.IsNotExist(err) {
		t.Error("run marker still present after a clean shutdown")
	}
}

func TestEngineReportsUncleanShutdown(t *testing.T) {
	cfg := testConfig(t)
	if err := watchdog.Write(watchdog.Path(cfg.Store.Path), watchdog.State{
		Component: "jobengine",
		PID:       31337,
		StartedAt: epoch.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("writing leftover marker: %v", err)
	}

	var logs syncBuffer
	e, _ := newTestEngine(t, cfg, slog.New(slog.NewJSONHandler(&logs, nil)))
	startEngine(t, e)

	output := logs.String()
	if !strings.Contains(output, "previous run ended without a clean shutdown") || !strings.Contains(output, `"previous_pid":31337`) {
		t.Errorf("unclean shutdown not reported:\n%s", output)
	}
	state, err := watchdog.Read(e.markerPath)
	if err != nil || state.PID != os.Getpid() {
		t.Errorf("marker = %+v, %v; want this run's pid", state, err)
	}
}

func TestSecondEngineOnSameStoreFails(t *testing.T) {
	cfg := testConfig(t)
	newTestEngine(t, cfg, nil)

	_, err := openEngine(context.Background(), cfg, clock.Fake(epoch), slog.New(slog.DiscardHandler))
	if err == nil {
		t.Fatal("second engine opened the same store")
	}
	if code := process.ExitCode(err); code != exitLocked {
		t.Errorf("exit code = %d, want %d (err: %v)", code, exitLocked, err)
	}
}

func TestPurgeTerminal(t *testing.T) {
	e, fake := newTestEngine(t, testConfig(t), nil)
	ctx := context.Background()

	old := fake.Now().Add(-8 * 24 * time.Hour)
	records := []job.Job{
		{ID: job.NewID(), Type: "fetch-url", ResourceKey: "old", Status: job.StatusSucceeded, MaxAttempts: 3, CreatedAt: old, UpdatedAt: old},
		{ID: job.NewID(), Type: "fetch-url", ResourceKey: "recent", Status: job.StatusFailed, MaxAttempts: 3, CreatedAt: fake.Now(), UpdatedAt: fake.Now()},
		{ID: job.NewID(), Type: "fetch-url", ResourceKey: "stuck", Status: job.StatusQueued, MaxAttempts: 3, CreatedAt: old, UpdatedAt: old},
	}
	for _, record := range records {
		if err := e.store.Record(ctx, record); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	removed, err := e.purgeTerminal(ctx)
	if err != nil {
		t.Fatalf("purgeTerminal: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	counts, err := e.store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[job.StatusFailed] != 1 || counts[job.StatusQueued] != 1 || counts[job.StatusSucceeded] != 0 {
		t.Errorf("counts after purge = %v", counts)
	}
}
