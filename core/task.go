package core

import (
	"context"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"go.uber.org/zap"
)

// TaskStatus is the task's own view of its progress.
type TaskStatus int

const (
	TaskStatusCreated TaskStatus = iota
	TaskStatusRunning
	TaskStatusPaused
	TaskStatusCompleted
	TaskStatusAborted
)

func (s TaskStatus) String() string {
	names := [...]string{"created", "running", "paused", "completed", "aborted"}
	if s < 0 || int(s) >= len(names) {
		return "unknown"
	}
	return names[s]
}

// Terminal reports whether no further work will happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusAborted
}

// TaskEventKind is the closed set of lifecycle events a task emits.
type TaskEventKind int

const (
	TaskStarted TaskEventKind = iota
	TaskPaused
	TaskUnpaused
	TaskCompleted
	TaskAborted
	TaskToolFailed
	TaskSpawned
	TaskTokenUsageUpdated
	TaskMessage
	taskEventKindCount
)

func (k TaskEventKind) String() string {
	names := [...]string{"taskStarted", "taskPaused", "taskUnpaused", "taskCompleted", "taskAborted",
		"taskToolFailed", "taskSpawned", "taskTokenUsageUpdated", "message"}
	if !k.Valid() {
		return "unknown"
	}
	return names[k]
}

// Valid reports whether k is one of the declared kinds.
func (k TaskEventKind) Valid() bool {
	return k >= 0 && k < taskEventKindCount
}

// TaskEvent is delivered to task listeners.
type TaskEvent struct {
	Kind        TaskEventKind
	TaskID      string
	Message     *adapter.Message // TaskMessage
	ToolName    string           // TaskToolFailed
	Error       string           // TaskToolFailed
	ChildTaskID string           // TaskSpawned
	TokenUsage  map[string]any   // TaskTokenUsageUpdated, TaskCompleted
}

// TaskListener receives task events. It runs on the emitting goroutine.
type TaskListener func(TaskEvent)

// Task is one unit of agent work. Its internals (prompting, tools) are opaque here.
type Task interface {
	ID() string
	InstanceID() string
	// ParentID and RootID refer to other tasks by id; empty for a top-level task.
	ParentID() string
	RootID() string
	Status() TaskStatus
	IsAborted() bool

	// Abort runs the task's abort path and returns once it has settled.
	Abort(ctx context.Context) error
	// Resume hands control back to a paused parent with the child's last message.
	Resume(ctx context.Context, lastMessage string) error

	// On subscribes to one event kind. Unknown kinds are rejected with a no-op off.
	On(kind TaskEventKind, listener TaskListener) (off func())
}

// Starter is implemented by tasks that begin work only once they are on the stack.
type Starter interface {
	Start(ctx context.Context) error
}

// TaskOptions configures a new task. Zero values fall back to persisted defaults.
type TaskOptions struct {
	TaskID                  string
	JobID                   string
	Text                    string
	Images                  []string
	Mode                    string
	CustomInstructions      string
	ConsecutiveMistakeLimit int
	EnableCheckpoints       *bool
	APIConfiguration        *config.APIConfiguration
	ParentTaskID            string
	RootTaskID              string
	TaskNumber              int
}

// TaskHost is the part of the Provider a task may call back into.
type TaskHost interface {
	Adapter() adapter.IOutputAdapter
	Logger() *zap.Logger
	CreateTaskInstance(ctx context.Context, opts TaskOptions) (Task, error)
	FinishSubTask(ctx context.Context, lastMessage string) error
	UpdateTaskHistory(ctx context.Context, item adapter.HistoryItem) ([]adapter.HistoryItem, error)
}

// TaskFactory constructs a task. It may perform I/O.
type TaskFactory func(ctx context.Context, host TaskHost, opts TaskOptions) (Task, error)
