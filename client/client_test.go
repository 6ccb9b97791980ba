package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/adapter/sse"
	"github.com/sakamotopaya/code-agent-sub007/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testKey = "secret"

type fakeServer struct {
	mu        sync.Mutex
	cancelled []string
	events    []*sse.SSEEvent
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer "+testKey
	}
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"})
			return
		}
		var body map[string]string
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "list files", body["task"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(client.JobInfo{JobID: "job-1", StreamURL: "/api/v1/jobs/job-1/stream"})
	})
	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"jobs": {"job-1"}})
	})
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cancelled = append(f.cancelled, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /api/v1/jobs/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.PathValue("id") != "job-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(": keepalive\n\n"))
		f.mu.Lock()
		events := f.events
		f.mu.Unlock()
		for _, ev := range events {
			payload, err := ev.Encode()
			if !assert.NoError(t, err) {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		}
		<-r.Context().Done()
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeServer, key string) *client.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := client.New(srv.URL, key, client.WithLogger(zaptest.NewLogger(t)), client.WithMaxElapsedTime(2*time.Second))
	require.NoError(t, err)
	return c
}

func jobEvents() []*sse.SSEEvent {
	return []*sse.SSEEvent{
		{Type: sse.EventStart, JobID: "job-1", Message: "Task started"},
		{Type: sse.EventProgress, JobID: "job-1", Message: "Working", Partial: true},
		{Type: sse.EventCompletion, JobID: "job-1", Result: "done"},
		{Type: sse.EventStreamEnd, JobID: "job-1"},
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := client.New("not a url", "")
	assert.Error(t, err)
	_, err = client.New("/relative", "")
	assert.Error(t, err)
}

func TestRun_FollowsStreamUntilEnd(t *testing.T) {
	f := &fakeServer{events: jobEvents()}
	c := newTestClient(t, f, testKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []sse.EventType
	jobID, err := c.Run(ctx, "list files", "code", func(ev *sse.SSEEvent) {
		got = append(got, ev.Type)
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
	assert.Equal(t, []sse.EventType{sse.EventStart, sse.EventProgress, sse.EventCompletion, sse.EventStreamEnd}, got)
}

func TestEvents_ClosesAfterStreamEnd(t *testing.T) {
	f := &fakeServer{events: jobEvents()}
	c := newTestClient(t, f, testKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, errs := c.Events(ctx, "job-1")
	var count int
	for ev := range events {
		assert.Equal(t, "job-1", ev.JobID)
		count++
	}
	assert.Equal(t, 4, count)
	assert.NoError(t, <-errs)
}

func TestCreateJob_Unauthorized(t *testing.T) {
	c := newTestClient(t, &fakeServer{}, "wrong")

	_, err := c.CreateJob(context.Background(), "list files", "")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid api key", apiErr.Message)
	assert.True(t, apiErr.Permanent())
}

func TestCreateJob_EmptyTask(t *testing.T) {
	c := newTestClient(t, &fakeServer{}, testKey)
	_, err := c.CreateJob(context.Background(), "  ", "")
	assert.Error(t, err)
}

func TestStream_StopsOnPermanentRefusal(t *testing.T) {
	c := newTestClient(t, &fakeServer{}, testKey)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.Stream(ctx, "missing", func(*sse.SSEEvent) {})
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCancelAndList(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f, testKey)
	ctx := context.Background()

	require.NoError(t, c.Cancel(ctx, "job-1"))
	jobs, err := c.ListJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, jobs)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"job-1"}, f.cancelled)
}

func TestResolve(t *testing.T) {
	c, err := client.New("http://localhost:8080/", "")
	require.NoError(t, err)
	u, err := c.Resolve("/api/v1/jobs/x/stream")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/v1/jobs/x/stream", u)
	u, err = c.Resolve("https://other.example/stream")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example/stream", u)
}
