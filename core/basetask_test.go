package core_test

import (
	"testing"

	"github.com/sakamotopaya/code-agent-sub007/core"
	"github.com/stretchr/testify/assert"
)

func TestBaseTask_Identity(t *testing.T) {
	root := core.NewBaseTask(core.TaskOptions{}, nil)
	assert.NotEmpty(t, root.ID())
	assert.NotEmpty(t, root.InstanceID())
	assert.Empty(t, root.ParentID())
	assert.Equal(t, root.ID(), root.RootID())

	child := core.NewBaseTask(core.TaskOptions{ParentTaskID: root.ID()}, nil)
	assert.Equal(t, root.ID(), child.ParentID())
	assert.Equal(t, root.ID(), child.RootID())

	fixed := core.NewBaseTask(core.TaskOptions{TaskID: "fixed"}, nil)
	assert.Equal(t, "fixed", fixed.ID())
}

func TestBaseTask_StatusTransitions(t *testing.T) {
	task := core.NewBaseTask(core.TaskOptions{}, nil)
	assert.Equal(t, core.TaskStatusCreated, task.Status())

	task.Emit(core.TaskEvent{Kind: core.TaskStarted})
	assert.Equal(t, core.TaskStatusRunning, task.Status())
	task.Emit(core.TaskEvent{Kind: core.TaskPaused})
	assert.Equal(t, core.TaskStatusPaused, task.Status())
	task.Emit(core.TaskEvent{Kind: core.TaskUnpaused})
	assert.Equal(t, core.TaskStatusRunning, task.Status())
	task.Emit(core.TaskEvent{Kind: core.TaskCompleted})
	assert.Equal(t, core.TaskStatusCompleted, task.Status())

	// Terminal states stick.
	task.Emit(core.TaskEvent{Kind: core.TaskUnpaused})
	assert.Equal(t, core.TaskStatusCompleted, task.Status())
	assert.True(t, task.Status().Terminal())
}

func TestBaseTask_Listeners(t *testing.T) {
	task := core.NewBaseTask(core.TaskOptions{}, nil)

	var got []core.TaskEvent
	off := task.On(core.TaskMessage, func(ev core.TaskEvent) { got = append(got, ev) })
	task.Emit(core.TaskEvent{Kind: core.TaskMessage})
	task.Emit(core.TaskEvent{Kind: core.TaskSpawned})
	off()
	task.Emit(core.TaskEvent{Kind: core.TaskMessage})

	assert.Len(t, got, 1)
	assert.Equal(t, task.ID(), got[0].TaskID)
	assert.Equal(t, 0, task.ListenerCount())
}

func TestBaseTask_UnknownEventKind(t *testing.T) {
	task := core.NewBaseTask(core.TaskOptions{}, nil)
	off := task.On(core.TaskEventKind(99), func(core.TaskEvent) { t.Fatal("must not be called") })
	assert.NotNil(t, off)
	assert.Equal(t, 0, task.ListenerCount())
	task.Emit(core.TaskEvent{Kind: core.TaskEventKind(99)})
	off()
	assert.Equal(t, "unknown", core.TaskEventKind(99).String())
	assert.Equal(t, "taskToolFailed", core.TaskToolFailed.String())
}

func TestBaseTask_MarkAborted(t *testing.T) {
	task := core.NewBaseTask(core.TaskOptions{}, nil)
	assert.False(t, task.IsAborted())
	assert.True(t, task.MarkAborted())
	assert.False(t, task.MarkAborted())
	assert.True(t, task.IsAborted())
}

func TestTaskStack(t *testing.T) {
	s := core.NewTaskStack()
	assert.Nil(t, s.Pop())
	assert.Nil(t, s.Top())

	a, b := newFakeTask(core.TaskOptions{}), newFakeTask(core.TaskOptions{})
	assert.NoError(t, s.Push(a))
	assert.NoError(t, s.Push(b))
	assert.Equal(t, []string{a.ID(), b.ID()}, s.IDs())
	assert.Equal(t, a, s.Get(a.ID()))
	assert.Equal(t, 0, s.IndexOf(a.ID()))

	assert.Equal(t, b, s.Pop())
	assert.True(t, s.WasPopped(b.ID()))
	assert.ErrorIs(t, s.Push(b), core.ErrTaskReused)
	assert.Equal(t, 1, s.Len())
}

func TestTelemetryRegistry(t *testing.T) {
	rec := &recordingTelemetry{}
	core.RegisterTelemetry(rec)
	defer core.RegisterTelemetry(nil)

	core.Telemetry().CaptureEvent("x", nil)
	assert.Equal(t, []string{"x"}, rec.names())

	core.RegisterTelemetry(nil)
	assert.IsType(t, core.NopTelemetry{}, core.Telemetry())
}
