package core

import (
	"sync"
	"sync/atomic"

	"github.com/sakamotopaya/code-agent-sub007/shared"
	"go.uber.org/zap"
)

// BaseTask carries identity, status and listener bookkeeping. Concrete tasks
// embed it and add Abort, Resume and optionally Start.
type BaseTask struct {
	id         string
	instanceID string
	parentID   string
	rootID     string
	logger     *zap.Logger

	mu        sync.RWMutex
	status    TaskStatus
	listeners map[TaskEventKind]map[uint64]TaskListener
	nextID    uint64

	aborted atomic.Bool
}

// NewBaseTask builds identity from opts. A top-level task is its own root.
func NewBaseTask(opts TaskOptions, logger *zap.Logger) *BaseTask {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := opts.TaskID
	if id == "" {
		id = shared.NewID()
	}
	root := opts.RootTaskID
	if root == "" {
		root = opts.ParentTaskID
	}
	if root == "" {
		root = id
	}
	return &BaseTask{
		id:         id,
		instanceID: shared.NewID(),
		parentID:   opts.ParentTaskID,
		rootID:     root,
		logger:     logger.With(zap.String("taskID", id)),
		listeners:  make(map[TaskEventKind]map[uint64]TaskListener),
	}
}

func (t *BaseTask) ID() string         { return t.id }
func (t *BaseTask) InstanceID() string { return t.instanceID }
func (t *BaseTask) ParentID() string   { return t.parentID }
func (t *BaseTask) RootID() string     { return t.rootID }
func (t *BaseTask) Logger() *zap.Logger {
	return t.logger
}

func (t *BaseTask) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *BaseTask) IsAborted() bool {
	return t.aborted.Load()
}

// MarkAborted sets the aborted flag and reports whether this call set it.
func (t *BaseTask) MarkAborted() bool {
	return t.aborted.CompareAndSwap(false, true)
}

func (t *BaseTask) On(kind TaskEventKind, listener TaskListener) func() {
	if !kind.Valid() || listener == nil {
		t.logger.Warn("Ignoring listener for unknown task event", zap.Int("kind", int(kind)))
		return func() {}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	if t.listeners[kind] == nil {
		t.listeners[kind] = make(map[uint64]TaskListener)
	}
	t.listeners[kind][id] = listener
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners[kind], id)
	}
}

// ListenerCount returns how many listeners are attached across all kinds.
func (t *BaseTask) ListenerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.listeners {
		n += len(m)
	}
	return n
}

// Emit updates status for lifecycle kinds and delivers ev to listeners.
// Listeners run outside the lock and may call back into the task.
func (t *BaseTask) Emit(ev TaskEvent) {
	if !ev.Kind.Valid() {
		t.logger.Warn("Dropping task event of unknown kind", zap.Int("kind", int(ev.Kind)))
		return
	}
	ev.TaskID = t.id

	t.mu.Lock()
	switch ev.Kind {
	case TaskStarted, TaskUnpaused:
		if !t.status.Terminal() {
			t.status = TaskStatusRunning
		}
	case TaskPaused:
		if !t.status.Terminal() {
			t.status = TaskStatusPaused
		}
	case TaskCompleted:
		t.status = TaskStatusCompleted
	case TaskAborted:
		t.status = TaskStatusAborted
	}
	listeners := make([]TaskListener, 0, len(t.listeners[ev.Kind]))
	for _, l := range t.listeners[ev.Kind] {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
