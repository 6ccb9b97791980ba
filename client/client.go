// Package client talks to the agent API server: it creates jobs, cancels them
// and follows their SSE streams.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	sseclient "github.com/r3labs/sse/v2"
	"github.com/sakamotopaya/code-agent-sub007/adapter/sse"
	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"
)

const (
	JobsPath = "/api/v1/jobs"

	// prefix of the error r3labs/sse returns for a non-200 stream response
	streamRefusedPrefix = "could not connect to stream: "
)

// APIError is a non-success answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("api error: %s", e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the request cannot succeed.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// JobInfo is returned by CreateJob.
type JobInfo struct {
	JobID     string `json:"jobId"`
	StreamURL string `json:"streamUrl"`
}

type jobRequest struct {
	Task string `json:"task"`
	Mode string `json:"mode,omitempty"`
}

type Client struct {
	baseURL        *url.URL
	apiKey         string
	http           *http.Client
	logger         *zap.Logger
	maxElapsedTime time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxElapsedTime bounds how long a broken stream is retried.
func WithMaxElapsedTime(d time.Duration) Option {
	return func(c *Client) {
		c.maxElapsedTime = d
	}
}

// New creates a client for the server at baseURL. apiKey may be empty when the
// server allows anonymous access.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %s: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %s: scheme and host are required", baseURL)
	}
	c := &Client{
		baseURL:        u,
		apiKey:         apiKey,
		http:           http.DefaultClient,
		logger:         zap.NewNop(),
		maxElapsedTime: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client").With(zap.String("baseURL", u.String()))
	return c, nil
}

// Resolve turns a server-relative path into an absolute URL.
func (c *Client) Resolve(ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid URL %s: %w", ref, err)
	}
	return c.baseURL.ResolveReference(r).String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	target, err := c.Resolve(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else if msg := strings.TrimSpace(string(raw)); msg != "" {
		apiErr.Message = msg
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// CreateJob registers a pending job. It starts once its stream is attached.
func (c *Client) CreateJob(ctx context.Context, task, mode string) (*JobInfo, error) {
	if strings.TrimSpace(task) == "" {
		return nil, errors.New("task is empty")
	}
	var info JobInfo
	if err := c.do(ctx, http.MethodPost, JobsPath, jobRequest{Task: task, Mode: mode}, &info); err != nil {
		return nil, err
	}
	if info.JobID == "" {
		return nil, errors.New("server returned an empty job id")
	}
	if info.StreamURL == "" {
		info.StreamURL = c.streamPath(info.JobID)
	}
	c.logger.Debug("Job created", zap.String("jobID", info.JobID))
	return &info, nil
}

// Cancel aborts the active task of a job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, JobsPath+"/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// ListJobs returns the ids of the server's active jobs.
func (c *Client) ListJobs(ctx context.Context) ([]string, error) {
	var out struct {
		Jobs []string `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, JobsPath, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) streamPath(jobID string) string {
	return JobsPath + "/" + url.PathEscape(jobID) + "/stream"
}

// Stream follows the stream of jobID until stream_end, ctx cancellation or a
// permanent error.
func (c *Client) Stream(ctx context.Context, jobID string, handler func(*sse.SSEEvent)) error {
	return c.StreamURL(ctx, c.streamPath(jobID), handler)
}

// StreamURL is Stream for an explicit, possibly relative, stream URL.
func (c *Client) StreamURL(ctx context.Context, streamURL string, handler func(*sse.SSEEvent)) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	target, err := c.Resolve(streamURL)
	if err != nil {
		return err
	}
	logger := c.logger.With(zap.String("streamURL", target))

	sc := sseclient.NewClient(target)
	sc.Connection = c.http
	sc.Headers = map[string]string{
		"Accept":        "text/event-stream",
		"Cache-Control": "no-cache",
		"Connection":    "keep-alive",
	}
	if c.apiKey != "" {
		sc.Headers["Authorization"] = "Bearer " + c.apiKey
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ended atomic.Bool
	var refused atomic.Pointer[APIError]

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = c.maxElapsedTime
	sc.ReconnectStrategy = backoff.WithContext(expBackoff, streamCtx)
	sc.ReconnectNotify = func(err error, d time.Duration) {
		if ended.Load() {
			return
		}
		logger.Warn("SSE connection error", zap.Error(err), zap.Duration("delay", d))
		if apiErr := refusedError(err); apiErr != nil && apiErr.Permanent() {
			refused.Store(apiErr)
			cancel()
		}
	}

	err = sc.SubscribeWithContext(streamCtx, "", func(msg *sseclient.Event) {
		if ended.Load() || len(msg.Data) == 0 {
			return
		}
		var ev sse.SSEEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("Dropping undecodable event", zap.Error(err), zap.ByteString("data", msg.Data))
			return
		}
		handler(&ev)
		if ev.Type == sse.EventStreamEnd {
			ended.Store(true)
			cancel()
		}
	})

	if ended.Load() {
		return nil
	}
	if apiErr := refused.Load(); apiErr != nil {
		return apiErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return errors.New("stream closed before stream_end")
	}
	return fmt.Errorf("stream failed: %w", err)
}

// Events is Stream delivering onto a channel. The event channel is closed when
// the stream stops; the error channel then yields at most one error.
func (c *Client) Events(ctx context.Context, jobID string) (<-chan *sse.SSEEvent, <-chan error) {
	events := make(chan *sse.SSEEvent, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(events)
		err := c.Stream(ctx, jobID, func(ev *sse.SSEEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errs <- err
		}
	}()
	return events, errs
}

// Run creates a job and follows it to the end.
func (c *Client) Run(ctx context.Context, task, mode string, handler func(*sse.SSEEvent)) (string, error) {
	info, err := c.CreateJob(ctx, task, mode)
	if err != nil {
		return "", err
	}
	return info.JobID, c.StreamURL(ctx, info.StreamURL, handler)
}

func refusedError(err error) *APIError {
	msg := err.Error()
	if !strings.HasPrefix(msg, streamRefusedPrefix) {
		return nil
	}
	text := strings.TrimPrefix(msg, streamRefusedPrefix)
	for _, code := range []int{
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone, http.StatusTooManyRequests,
	} {
		if http.StatusText(code) == text {
			return &APIError{StatusCode: code, Message: text}
		}
	}
	return &APIError{Message: text}
}
