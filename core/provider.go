package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/shared"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/sakamotopaya/code-agent-sub007/store"
	"go.uber.org/zap"
)

var _ TaskHost = (*Provider)(nil)

// TaskState is the stack-derived view of a task.
type TaskState int

const (
	TaskStateUnknown TaskState = iota
	TaskStateActive
	TaskStatePaused
	TaskStatePopped
)

func (s TaskState) String() string {
	switch s {
	case TaskStateActive:
		return "active"
	case TaskStatePaused:
		return "paused"
	case TaskStatePopped:
		return "popped"
	default:
		return "unknown"
	}
}

// Provider owns one task stack and one output adapter.
type Provider struct {
	id        string
	logger    *zap.Logger
	adapter   adapter.IOutputAdapter
	context   IProviderContext
	telemetry ITelemetryService
	factory   TaskFactory
	cfg       config.IConfig
	apiConfig *config.APIConfiguration
	version   string
	resources []io.Closer

	mu       sync.RWMutex
	stack    *TaskStack
	taskOffs map[string][]func()

	events     *eventHub
	taskNumber atomic.Int64
	disposed   atomic.Bool
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider) error

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ProviderOption {
	return func(p *Provider) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// WithContext sets the persistent settings store. Defaults to an in-memory store.
func WithContext(c IProviderContext) ProviderOption {
	return func(p *Provider) error {
		if c == nil {
			return fmt.Errorf("provider context is nil")
		}
		p.context = c
		return nil
	}
}

// WithConfig makes the provider read API configuration from cfg on every task creation.
func WithConfig(cfg config.IConfig) ProviderOption {
	return func(p *Provider) error {
		p.cfg = cfg
		return nil
	}
}

// WithAPIConfiguration sets the default API configuration.
func WithAPIConfiguration(api *config.APIConfiguration) ProviderOption {
	return func(p *Provider) error {
		p.apiConfig = api
		return nil
	}
}

// WithTelemetry overrides the process-wide telemetry service for this provider.
func WithTelemetry(t ITelemetryService) ProviderOption {
	return func(p *Provider) error {
		p.telemetry = t
		return nil
	}
}

// WithVersion sets the version reported in state snapshots.
func WithVersion(version string) ProviderOption {
	return func(p *Provider) error {
		p.version = version
		return nil
	}
}

// WithResource registers a closer released on Dispose, in registration order.
func WithResource(c io.Closer) ProviderOption {
	return func(p *Provider) error {
		if c != nil {
			p.resources = append(p.resources, c)
		}
		return nil
	}
}

// NewProvider creates a Provider delivering through out and building tasks with factory.
func NewProvider(out adapter.IOutputAdapter, factory TaskFactory, opts ...ProviderOption) (*Provider, error) {
	if out == nil {
		return nil, fmt.Errorf("output adapter is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("task factory is required")
	}
	p := &Provider{
		id:       shared.NewID(),
		logger:   zap.NewNop(),
		adapter:  out,
		factory:  factory,
		stack:    NewTaskStack(),
		taskOffs: make(map[string][]func()),
		events:   newEventHub(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("failed to apply provider option: %w", err)
		}
	}
	if p.context == nil {
		p.context = store.NewMemoryStore()
	}
	p.logger = p.logger.Named("provider").With(zap.String("providerID", p.id))
	p.logger.Debug("Provider created", zap.Stringer("adapterCapabilities", adapter.Capabilities(out)))
	return p, nil
}

func (p *Provider) ID() string                      { return p.id }
func (p *Provider) Logger() *zap.Logger             { return p.logger }
func (p *Provider) Adapter() adapter.IOutputAdapter { return p.adapter }
func (p *Provider) Context() IProviderContext       { return p.context }

func (p *Provider) Disposed() bool {
	return p.disposed.Load()
}

func (p *Provider) tel() ITelemetryService {
	if p.telemetry != nil {
		return p.telemetry
	}
	return Telemetry()
}

// Subscribe registers fn for kind and returns a function that removes it.
func (p *Provider) Subscribe(kind EventKind, fn Listener) func() {
	return p.events.subscribe(kind, fn)
}

// ListenerCount returns the number of provider subscribers.
func (p *Provider) ListenerCount() int {
	return p.events.count()
}

// AddTaskToStack pushes task, relays its lifecycle events, syncs state and emits
// EventTaskCreated.
func (p *Provider) AddTaskToStack(ctx context.Context, task Task) error {
	if p.disposed.Load() {
		return ErrProviderDisposed
	}
	if task == nil {
		return fmt.Errorf("task is nil")
	}

	p.mu.Lock()
	if err := p.stack.Push(task); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to push task %s: %w", task.ID(), err)
	}
	p.taskOffs[task.ID()] = p.relay(task)
	size := p.stack.Len()
	p.mu.Unlock()

	p.logger.Debug("Task pushed", zap.String("taskID", task.ID()), zap.Int("stackSize", size))

	if err := p.SyncState(ctx); err != nil {
		return err
	}
	p.events.emit(Event{Kind: EventTaskCreated, TaskID: task.ID(), Task: task})
	return nil
}

// relay forwards the task's terminal events to provider subscribers.
func (p *Provider) relay(task Task) []func() {
	id := task.ID()
	return []func(){
		task.On(TaskCompleted, func(ev TaskEvent) {
			p.tel().CaptureEvent(TelemetryTaskCompleted, map[string]any{"taskId": id})
			p.events.emit(Event{Kind: EventTaskCompleted, TaskID: id, TokenUsage: ev.TokenUsage})
		}),
		task.On(TaskAborted, func(TaskEvent) {
			p.tel().CaptureEvent(TelemetryTaskAborted, map[string]any{"taskId": id})
			p.events.emit(Event{Kind: EventTaskAborted, TaskID: id})
		}),
		task.On(TaskToolFailed, func(ev TaskEvent) {
			p.tel().CaptureEvent(TelemetryToolFailed, map[string]any{"taskId": id, "tool": ev.ToolName})
			p.events.emit(Event{Kind: EventTaskToolFailed, TaskID: id, ToolName: ev.ToolName, Error: ev.Error})
		}),
	}
}

// RemoveTaskFromStack pops the top task and runs its abort path. Abort failures
// are logged and never propagate. It is a no-op on an empty stack; otherwise it
// always ends with a state sync.
func (p *Provider) RemoveTaskFromStack(ctx context.Context) error {
	p.mu.Lock()
	task := p.stack.Pop()
	var offs []func()
	if task != nil {
		offs = p.taskOffs[task.ID()]
		delete(p.taskOffs, task.ID())
	}
	size := p.stack.Len()
	p.mu.Unlock()

	if task == nil {
		return nil
	}
	p.logger.Debug("Task popped", zap.String("taskID", task.ID()), zap.Int("stackSize", size))

	if err := abortTask(ctx, task); err != nil {
		p.logger.Error("Failed to abort popped task", zap.String("taskID", task.ID()), zap.Error(err))
	}
	for _, off := range offs {
		off()
	}
	p.adapter.Reset()
	return p.SyncState(ctx)
}

func abortTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StackAbortFailure{TaskID: task.ID(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if aerr := task.Abort(ctx); aerr != nil {
		return &StackAbortFailure{TaskID: task.ID(), Err: aerr}
	}
	return nil
}

// GetCurrentTask returns the active task, or nil.
func (p *Provider) GetCurrentTask() Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stack.Top()
}

func (p *Provider) GetTaskStackSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stack.Len()
}

// GetCurrentTaskStack returns task ids bottom to top.
func (p *Provider) GetCurrentTaskStack() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stack.IDs()
}

// GetTask returns the task with id if it is on the stack.
func (p *Provider) GetTask(id string) Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stack.Get(id)
}

// TaskState derives a task's state from its stack position.
func (p *Provider) TaskState(id string) TaskState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch i := p.stack.IndexOf(id); {
	case i < 0 && p.stack.WasPopped(id):
		return TaskStatePopped
	case i < 0:
		return TaskStateUnknown
	case i == p.stack.Len()-1:
		return TaskStateActive
	default:
		return TaskStatePaused
	}
}

// CreateTaskInstance merges opts with persisted defaults, builds the task, pushes
// it and starts it when it implements Starter. A task created while another is
// active becomes its child.
func (p *Provider) CreateTaskInstance(ctx context.Context, opts TaskOptions) (Task, error) {
	if p.disposed.Load() {
		return nil, ErrProviderDisposed
	}

	api, err := p.resolveAPIConfiguration(ctx, opts.APIConfiguration)
	if err != nil {
		return nil, err
	}
	merged, err := p.mergeTaskDefaults(ctx, opts)
	if err != nil {
		return nil, err
	}
	merged.APIConfiguration = api
	if parent := p.GetCurrentTask(); parent != nil && merged.ParentTaskID == "" {
		merged.ParentTaskID = parent.ID()
		merged.RootTaskID = parent.RootID()
	}
	merged.TaskNumber = int(p.taskNumber.Add(1))

	task, err := p.factory(ctx, p, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to construct task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("task factory returned nil")
	}
	if err := p.AddTaskToStack(ctx, task); err != nil {
		p.discardTask(ctx, task)
		return nil, err
	}

	p.tel().CaptureEvent(TelemetryTaskCreated, map[string]any{
		"taskId":   task.ID(),
		"mode":     merged.Mode,
		"provider": api.Provider,
		"subtask":  merged.ParentTaskID != "",
	})
	p.logger.Info("Task created",
		zap.String("taskID", task.ID()),
		zap.String("parentTaskID", merged.ParentTaskID),
		zap.String("mode", merged.Mode))

	if s, ok := task.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return task, fmt.Errorf("failed to start task %s: %w", task.ID(), err)
		}
	}
	return task, nil
}

// discardTask undoes a push whose state sync failed. The task was never
// announced, so its relays are detached before it is aborted.
func (p *Provider) discardTask(ctx context.Context, task Task) {
	p.mu.Lock()
	if top := p.stack.Top(); top == nil || top.ID() != task.ID() {
		p.mu.Unlock()
		return
	}
	p.stack.Pop()
	offs := p.taskOffs[task.ID()]
	delete(p.taskOffs, task.ID())
	p.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if err := abortTask(ctx, task); err != nil {
		p.logger.Warn("Failed to abort discarded task", zap.String("taskID", task.ID()), zap.Error(err))
	}
	if err := p.SyncState(ctx); err != nil {
		p.logger.Warn("State sync failed after discarding task", zap.String("taskID", task.ID()), zap.Error(err))
	}
}

// resolveAPIConfiguration picks the first valid of: override, configured default,
// config source, persisted global state.
func (p *Provider) resolveAPIConfiguration(ctx context.Context, override *config.APIConfiguration) (*config.APIConfiguration, error) {
	if override.Valid() {
		return override, nil
	}
	if p.apiConfig.Valid() {
		return p.apiConfig, nil
	}
	if p.cfg != nil {
		api, err := p.cfg.APIConfiguration()
		if err != nil {
			p.logger.Warn("Failed to read API configuration from config", zap.Error(err))
		} else if api.Valid() {
			return api, nil
		}
	}
	raw, err := p.context.GetGlobalState(ctx, StateKeyAPIConfiguration)
	if err != nil {
		return nil, fmt.Errorf("failed to read persisted API configuration: %w", err)
	}
	if raw != nil {
		var api config.APIConfiguration
		if b, err := json.Marshal(raw); err == nil && json.Unmarshal(b, &api) == nil && api.Valid() {
			return &api, nil
		}
	}
	return nil, &ConfigurationError{Reason: "no API configuration available"}
}

func (p *Provider) mergeTaskDefaults(ctx context.Context, opts TaskOptions) (TaskOptions, error) {
	state, err := p.context.GlobalState(ctx)
	if err != nil {
		return opts, fmt.Errorf("failed to read persisted defaults: %w", err)
	}
	merged := opts
	if merged.Mode == "" {
		merged.Mode = DefaultMode
		if s, ok := state[StateKeyMode].(string); ok && s != "" {
			merged.Mode = s
		}
	}
	if merged.CustomInstructions == "" {
		if s, ok := state[StateKeyCustomInstructions].(string); ok {
			merged.CustomInstructions = s
		}
	}
	if merged.ConsecutiveMistakeLimit == 0 {
		merged.ConsecutiveMistakeLimit = DefaultConsecutiveMistakeLimit
		if n, ok := state[StateKeyConsecutiveMistakeLimit].(float64); ok && n > 0 {
			merged.ConsecutiveMistakeLimit = int(n)
		}
	}
	if merged.EnableCheckpoints == nil {
		if b, ok := state[StateKeyEnableCheckpoints].(bool); ok {
			merged.EnableCheckpoints = &b
		}
	}
	return merged, nil
}

// FinishSubTask pops the finished child and resumes the new top with lastMessage.
func (p *Provider) FinishSubTask(ctx context.Context, lastMessage string) error {
	removeErr := p.RemoveTaskFromStack(ctx)
	parent := p.GetCurrentTask()
	if parent == nil {
		return removeErr
	}
	p.logger.Debug("Resuming parent task", zap.String("taskID", parent.ID()))
	return errors.Join(removeErr, resumeTask(ctx, parent, lastMessage))
}

func resumeTask(ctx context.Context, task Task, lastMessage string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resume of task %s panicked: %v", task.ID(), r)
		}
	}()
	return task.Resume(ctx, lastMessage)
}

// CancelTask aborts the active task without popping it.
func (p *Provider) CancelTask(ctx context.Context) error {
	task := p.GetCurrentTask()
	if task == nil {
		return nil
	}
	p.tel().CaptureEvent(TelemetryTaskCancelled, map[string]any{"taskId": task.ID()})
	if err := abortTask(ctx, task); err != nil {
		p.logger.Error("Failed to cancel task", zap.String("taskID", task.ID()), zap.Error(err))
		return err
	}
	return nil
}

// State builds the snapshot pushed by SyncState.
func (p *Provider) State(ctx context.Context) (*adapter.ProviderState, error) {
	global, err := p.context.GlobalState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read global state: %w", err)
	}
	delete(global, StateKeyAPIConfiguration)

	history, _, err := adapter.GetPersistentData[[]adapter.HistoryItem](ctx, p.adapter, adapter.TaskHistoryKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read task history: %w", err)
	}
	if history == nil {
		history = []adapter.HistoryItem{}
	}

	state := &adapter.ProviderState{
		Version:     p.version,
		Mode:        DefaultMode,
		TaskHistory: history,
		GlobalState: global,
	}
	if mode, ok := global[StateKeyMode].(string); ok && mode != "" {
		state.Mode = mode
	}
	if api, err := p.resolveAPIConfiguration(ctx, nil); err == nil {
		state.APIProvider = api.Provider
		state.APIModelID = api.ModelID
	}

	p.mu.RLock()
	state.TaskStack = p.stack.IDs()
	if top := p.stack.Top(); top != nil {
		state.CurrentTaskID = top.ID()
	}
	p.mu.RUnlock()
	return state, nil
}

// SyncState pushes a full snapshot through the adapter.
func (p *Provider) SyncState(ctx context.Context) error {
	state, err := p.State(ctx)
	if err != nil {
		p.logger.Error("Failed to build provider state", zap.Error(err))
		return err
	}
	if err := p.adapter.SyncState(ctx, state); err != nil {
		p.logger.Error("Failed to sync provider state", zap.Error(err))
		return fmt.Errorf("failed to sync state: %w", err)
	}
	return nil
}

// UpdateGlobalState persists value, syncs, then emits EventStateChanged.
func (p *Provider) UpdateGlobalState(ctx context.Context, key string, value any) error {
	if p.disposed.Load() {
		return ErrProviderDisposed
	}
	if err := p.context.UpdateGlobalState(ctx, key, value); err != nil {
		return fmt.Errorf("failed to persist global state %q: %w", key, err)
	}
	if err := p.SyncState(ctx); err != nil {
		return err
	}
	p.events.emit(Event{Kind: EventStateChanged, ChangeType: key, Data: value})
	p.adapter.NotifyStateChange(ctx, key, value)
	return nil
}

// GetGlobalState reads one persisted value; nil when unset.
func (p *Provider) GetGlobalState(ctx context.Context, key string) (any, error) {
	return p.context.GetGlobalState(ctx, key)
}

// UpdateTaskHistory delegates to the adapter and returns the full list.
func (p *Provider) UpdateTaskHistory(ctx context.Context, item adapter.HistoryItem) ([]adapter.HistoryItem, error) {
	if p.disposed.Load() {
		return nil, ErrProviderDisposed
	}
	list, err := p.adapter.UpdateTaskHistory(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to update task history: %w", err)
	}
	return list, nil
}

// Dispose drains the stack, disposes the adapter, releases resources and drops
// all subscribers. Each step is isolated from failures of the others. Calling it
// again is a no-op.
func (p *Provider) Dispose(ctx context.Context) {
	if !p.disposed.CompareAndSwap(false, true) {
		p.logger.Debug("Provider already disposed")
		return
	}
	p.logger.Debug("Disposing provider", zap.Int("stackSize", p.GetTaskStackSize()))

	for p.GetTaskStackSize() > 0 {
		p.safeStep("pop task", func() error { return p.RemoveTaskFromStack(ctx) })
	}
	if d, ok := p.adapter.(adapter.Disposer); ok {
		p.safeStep("dispose adapter", func() error { return d.Dispose(ctx) })
	}
	for _, r := range p.resources {
		p.safeStep("release resource", r.Close)
	}
	p.events.clear()

	p.mu.Lock()
	for id, offs := range p.taskOffs {
		for _, off := range offs {
			off()
		}
		delete(p.taskOffs, id)
	}
	p.mu.Unlock()
	p.logger.Debug("Provider disposed")
}

func (p *Provider) safeStep(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic during dispose", zap.String("step", name), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		p.logger.Warn("Dispose step failed", zap.String("step", name), zap.Error(err))
	}
}
