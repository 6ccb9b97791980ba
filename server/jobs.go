package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/adapter/sse"
	"github.com/sakamotopaya/code-agent-sub007/core"
	"github.com/sakamotopaya/code-agent-sub007/shared"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/sakamotopaya/code-agent-sub007/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobStarted       = errors.New("job already started")
	ErrJobsShuttingDown = errors.New("job manager is shutting down")
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobAborted   JobStatus = "aborted"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
	JobExpired   JobStatus = "expired"
)

// Job is one task tree served over one SSE stream.
type Job struct {
	ID        string
	UserID    string
	Task      string
	Mode      string
	CreatedAt time.Time

	provider *core.Provider
	adapter  *sse.Adapter
	logger   *zap.Logger

	mu        sync.Mutex
	status    JobStatus
	started   bool
	cancelled bool
	rootID    atomic.Value // string
	offs      []func()

	finishOnce sync.Once
	rootDone   chan JobStatus
	done       chan struct{}
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done is closed once the job has been torn down.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Provider() *core.Provider { return j.provider }

func (j *Job) root() string {
	id, _ := j.rootID.Load().(string)
	return id
}

// watch tracks the first top-level task and reports how it ended.
func (j *Job) watch() {
	j.offs = append(j.offs,
		j.provider.Subscribe(core.EventTaskCreated, func(ev core.Event) {
			if ev.Task != nil && ev.Task.ParentID() == "" {
				j.rootID.CompareAndSwap(nil, ev.TaskID)
			}
		}),
		j.provider.Subscribe(core.EventTaskCompleted, func(ev core.Event) {
			if ev.TaskID == j.root() {
				j.signal(JobCompleted)
			}
		}),
		j.provider.Subscribe(core.EventTaskAborted, func(ev core.Event) {
			if ev.TaskID == j.root() {
				j.signal(JobAborted)
			}
		}),
		j.provider.Subscribe(core.EventTaskToolFailed, func(ev core.Event) {
			j.logger.Warn("Tool failed", zap.String("taskID", ev.TaskID), zap.String("tool", ev.ToolName), zap.String("error", ev.Error))
		}),
	)
}

func (j *Job) signal(status JobStatus) {
	select {
	case j.rootDone <- status:
	default:
	}
}

// JobManager owns the running jobs of a server.
type JobManager struct {
	logger     *zap.Logger
	cfg        config.IConfig
	streams    *sse.Manager
	factory    core.TaskFactory
	store      store.Store
	pendingTTL time.Duration

	mu       sync.RWMutex
	jobs     map[string]*Job
	shutdown bool
}

// JobManagerOption configures a JobManager.
type JobManagerOption func(*JobManager)

// WithPendingTTL sets how long a job may wait for its first stream attach.
func WithPendingTTL(ttl time.Duration) JobManagerOption {
	return func(m *JobManager) {
		if ttl > 0 {
			m.pendingTTL = ttl
		}
	}
}

func NewJobManager(logger *zap.Logger, cfg config.IConfig, streams *sse.Manager, factory core.TaskFactory, st store.Store, opts ...JobManagerOption) (*JobManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if streams == nil {
		return nil, errors.New("stream manager cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("task factory cannot be nil")
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	m := &JobManager{
		logger:     logger.Named("jobs"),
		cfg:        cfg,
		streams:    streams,
		factory:    factory,
		store:      st,
		pendingTTL: 10 * time.Minute,
		jobs:       make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create registers a pending job with its own provider and SSE adapter.
func (m *JobManager) Create(userID, task, mode string) (*Job, error) {
	if strings.TrimSpace(task) == "" {
		return nil, errors.New("task is required")
	}
	id := shared.NewID()
	logger := m.logger.With(zap.String("jobID", id))

	out, err := sse.NewAdapter(id, m.streams, sse.WithLogger(logger), sse.WithPersistence(m.store))
	if err != nil {
		return nil, fmt.Errorf("failed to create output adapter: %w", err)
	}
	version, _ := m.cfg.ServerVersion()
	provider, err := core.NewProvider(out, m.factory,
		core.WithLogger(logger),
		core.WithContext(m.store),
		core.WithConfig(m.cfg),
		core.WithVersion(version),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	job := &Job{
		ID:        id,
		UserID:    userID,
		Task:      task,
		Mode:      mode,
		CreatedAt: time.Now(),
		provider:  provider,
		adapter:   out,
		logger:    logger,
		status:    JobPending,
		rootDone:  make(chan JobStatus, 1),
		done:      make(chan struct{}),
	}
	job.watch()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		provider.Dispose(context.Background())
		return nil, ErrJobsShuttingDown
	}
	m.jobs[id] = job
	m.mu.Unlock()

	logger.Info("Job created", zap.String("userID", userID), zap.String("mode", mode))
	return job, nil
}

// Get returns the job with id, hiding jobs owned by another user.
func (m *JobManager) Get(id, userID string) (*Job, error) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok || (job.UserID != "" && job.UserID != userID) {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns the sorted ids of the active jobs visible to userID.
func (m *JobManager) List(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.jobs))
	for id, job := range m.jobs {
		if job.UserID == "" || job.UserID == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *JobManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// Start launches the job's root task. It is a no-op error for a job that is
// already running, so a re-attach never starts a second task.
func (m *JobManager) Start(ctx context.Context, job *Job) error {
	job.mu.Lock()
	if job.started {
		job.mu.Unlock()
		return ErrJobStarted
	}
	job.started = true
	job.status = JobRunning
	job.mu.Unlock()

	// the task outlives the request that started it
	runCtx := context.WithoutCancel(ctx)
	job.adapter.EmitStart("Task started")
	_, err := job.provider.CreateTaskInstance(runCtx, core.TaskOptions{
		JobID: job.ID,
		Text:  job.Task,
		Mode:  job.Mode,
	})
	if err != nil {
		job.logger.Error("Failed to start job", zap.Error(err))
		job.adapter.EmitError(err.Error())
		m.finish(runCtx, job, JobFailed)
		return err
	}
	go func() {
		select {
		case status := <-job.rootDone:
			m.finish(runCtx, job, status)
		case <-job.done:
		}
	}()
	return nil
}

// Cancel aborts the job's active task and tears the job down.
func (m *JobManager) Cancel(ctx context.Context, job *Job) error {
	job.mu.Lock()
	job.cancelled = true
	job.mu.Unlock()
	if err := job.provider.CancelTask(ctx); err != nil {
		job.logger.Warn("Cancel reported an abort failure", zap.Error(err))
	}
	job.adapter.EmitInformation("Job cancelled", nil)
	m.finish(ctx, job, JobCancelled)
	return nil
}

func (m *JobManager) finish(ctx context.Context, job *Job, status JobStatus) {
	job.finishOnce.Do(func() {
		job.mu.Lock()
		if job.cancelled {
			status = JobCancelled
		}
		job.status = status
		job.mu.Unlock()

		for _, off := range job.offs {
			off()
		}
		job.provider.Dispose(ctx)

		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		close(job.done)
		job.logger.Info("Job finished", zap.String("status", string(status)))
	})
}

// ExpirePending tears down jobs that were never attached within ttl.
func (m *JobManager) ExpirePending(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	var stale []*Job
	m.mu.RLock()
	for _, job := range m.jobs {
		if job.Status() == JobPending && job.CreatedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	m.mu.RUnlock()
	for _, job := range stale {
		m.finish(ctx, job, JobExpired)
	}
	return len(stale)
}

// Run expires pending jobs until ctx is done.
func (m *JobManager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ExpirePending(ctx, m.pendingTTL); n > 0 {
				m.logger.Info("Expired pending jobs", zap.Int("count", n))
			}
		}
	}
}

// Shutdown disposes every job in parallel and refuses new ones.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down jobs", zap.Int("count", len(jobs)))
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			status := JobAborted
			if job.Status() == JobPending {
				status = JobExpired
			}
			m.finish(gctx, job, status)
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	select {
	case err := <-waitErr:
		return err
	case <-ctx.Done():
		return fmt.Errorf("job shutdown interrupted: %w", ctx.Err())
	}
}
