package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/shared"
	"go.uber.org/zap"
)

// StreamSender is the part of Manager an Adapter needs.
type StreamSender interface {
	// SendEvent reports false when no live stream exists for jobID or the write
	// failed. It never panics.
	SendEvent(jobID string, ev *SSEEvent) bool
	CloseStream(jobID string)
}

var _ StreamSender = (*Manager)(nil)

var ErrStreamClosed = errors.New("stream closed")

// Stream is one live HTTP connection for a job.
type Stream struct {
	JobID string
	ID    string

	mu           sync.Mutex
	w            io.Writer
	flusher      http.Flusher
	closed       bool
	done         chan struct{}
	lastActivity atomic.Int64
}

func newStream(jobID string, w io.Writer, flusher http.Flusher) *Stream {
	s := &Stream{
		JobID:   jobID,
		ID:      shared.RandomID(),
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
	s.touch()
	return s
}

// Done is closed when the stream is closed by the manager.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Stream) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Stream) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	s.flusher.Flush()
	s.touch()
	return nil
}

func (s *Stream) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// close reports whether this call closed the stream.
func (s *Stream) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}

// Manager tracks which jobs have a live SSE connection.
type Manager struct {
	streams     map[string]*Stream
	mu          sync.RWMutex
	logger      *zap.Logger
	keepAlive   time.Duration
	idleTimeout time.Duration
}

type ManagerOption func(*Manager)

func WithKeepAlive(d time.Duration) ManagerOption {
	return func(m *Manager) { m.keepAlive = d }
}

func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// NewManager creates an empty stream registry.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		streams:     make(map[string]*Stream),
		logger:      logger.Named("streams"),
		keepAlive:   15 * time.Second,
		idleTimeout: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.keepAlive <= 0 {
		m.keepAlive = 15 * time.Second
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = 30 * time.Minute
	}
	return m
}

// CreateStream writes SSE headers on w and registers it for jobID. An existing
// stream for the job is closed and replaced.
func (m *Manager) CreateStream(jobID string, w http.ResponseWriter) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported: response writer is not a http.Flusher")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := newStream(jobID, w, flusher)
	m.mu.Lock()
	old := m.streams[jobID]
	m.streams[jobID] = s
	m.mu.Unlock()

	if old != nil {
		old.close()
		m.logger.Info("Replaced stream", zap.String("jobID", jobID), zap.String("streamID", s.ID))
	} else {
		m.logger.Debug("Created stream", zap.String("jobID", jobID), zap.String("streamID", s.ID))
	}
	return s, nil
}

// SendEvent writes ev to the job's stream.
func (m *Manager) SendEvent(jobID string, ev *SSEEvent) bool {
	m.mu.RLock()
	s := m.streams[jobID]
	m.mu.RUnlock()
	if s == nil {
		return false
	}
	payload, err := ev.Encode()
	if err != nil {
		m.logger.Error("Failed to encode event", zap.String("jobID", jobID), zap.Error(err))
		return false
	}
	if err := s.write(payload); err != nil {
		m.logger.Debug("Failed to write event, dropping stream", zap.String("jobID", jobID), zap.Error(err))
		m.Detach(s)
		return false
	}
	return true
}

func (m *Manager) HasActiveStream(jobID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.streams[jobID]
	return ok
}

// Detach unregisters s if it is still the job's current stream, then closes it.
func (m *Manager) Detach(s *Stream) {
	m.mu.Lock()
	if m.streams[s.JobID] == s {
		delete(m.streams, s.JobID)
	}
	m.mu.Unlock()
	if s.close() {
		m.logger.Debug("Detached stream", zap.String("jobID", s.JobID), zap.String("streamID", s.ID))
	}
}

// CloseStream closes and removes the job's stream, if any.
func (m *Manager) CloseStream(jobID string) {
	m.mu.Lock()
	s, exists := m.streams[jobID]
	delete(m.streams, jobID)
	m.mu.Unlock()
	if exists && s.close() {
		m.logger.Info("Closed stream", zap.String("jobID", jobID))
	}
}

func (m *Manager) CloseAllStreams() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[string]*Stream)
	m.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	m.logger.Info("Closed all streams", zap.Int("count", len(streams)))
}

// Count returns the number of live streams.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

func (m *Manager) snapshot() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	return out
}

// SendKeepAlive writes a comment to every stream, dropping the ones that fail.
func (m *Manager) SendKeepAlive() {
	for _, s := range m.snapshot() {
		if err := s.comment("keepalive " + time.Now().UTC().Format(time.RFC3339)); err != nil {
			m.logger.Debug("Keepalive failed, dropping stream", zap.String("jobID", s.JobID), zap.Error(err))
			m.Detach(s)
		}
	}
}

// CleanupIdleStreams closes streams with no event for longer than timeout.
func (m *Manager) CleanupIdleStreams(timeout time.Duration) {
	for _, s := range m.snapshot() {
		if s.LastActivity().Add(timeout).Before(time.Now()) {
			m.logger.Info("Closing idle stream", zap.String("jobID", s.JobID))
			m.Detach(s)
		}
	}
}

// Run sends keepalives and closes idle streams until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	keepAlive := time.NewTicker(m.keepAlive)
	defer keepAlive.Stop()
	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CloseAllStreams()
			return
		case <-keepAlive.C:
			m.SendKeepAlive()
		case <-cleanup.C:
			m.CleanupIdleStreams(m.idleTimeout)
		}
	}
}
