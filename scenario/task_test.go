package scenario_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/adapter/panel"
	"github.com/sakamotopaya/code-agent-sub007/adapter/sse"
	"github.com/sakamotopaya/code-agent-sub007/adapter/terminal"
	"github.com/sakamotopaya/code-agent-sub007/core"
	"github.com/sakamotopaya/code-agent-sub007/scenario"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/sakamotopaya/code-agent-sub007/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testAPI = &config.APIConfiguration{Provider: "anthropic", ModelID: "test"}

type memorySender struct {
	mu     sync.Mutex
	events []*sse.SSEEvent
}

func (s *memorySender) SendEvent(_ string, ev *sse.SSEEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *memorySender) CloseStream(string) {}

func (s *memorySender) byType(typ sse.EventType) []*sse.SSEEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sse.SSEEvent
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newProvider(t *testing.T, out adapter.IOutputAdapter, st store.Store, opts ...scenario.Option) *core.Provider {
	t.Helper()
	p, err := core.NewProvider(out, scenario.NewFactory(opts...),
		core.WithLogger(zaptest.NewLogger(t)),
		core.WithAPIConfiguration(testAPI),
		core.WithContext(st))
	require.NoError(t, err)
	t.Cleanup(func() { p.Dispose(context.Background()) })
	return p
}

func wait(t *testing.T, task core.Task) *scenario.Task {
	t.Helper()
	st, ok := task.(*scenario.Task)
	require.True(t, ok)
	select {
	case <-st.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
	return st
}

func TestScenario_CompletesOverSSE(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sender := &memorySender{}
	out, err := sse.NewAdapter("job-1", sender, sse.WithPersistence(st))
	require.NoError(t, err)
	p := newProvider(t, out, st)

	completed := make(chan string, 1)
	p.Subscribe(core.EventTaskCompleted, func(ev core.Event) { completed <- ev.TaskID })

	task, err := p.CreateTaskInstance(ctx, core.TaskOptions{Text: "write a readme", JobID: "job-1"})
	require.NoError(t, err)
	result, runErr := wait(t, task).Result()
	require.NoError(t, runErr)

	assert.Equal(t, task.ID(), <-completed)
	assert.Equal(t, "Finished: write a readme", result)
	assert.Equal(t, core.TaskStatusCompleted, task.Status())

	assert.NotEmpty(t, sender.byType(sse.EventProgress))
	require.Len(t, sender.byType(sse.EventToolUse), 2)
	assert.Equal(t, "list_files", sender.byType(sse.EventToolUse)[0].ToolName)
	usage := sender.byType(sse.EventTokenUsage)
	require.Len(t, usage, 2)
	assert.NotNil(t, usage[1].TokenUsage.TotalCost)
	assert.Greater(t, usage[1].TokenUsage.TotalTokensOut, usage[0].TokenUsage.TotalTokensOut)
	require.Len(t, sender.byType(sse.EventCompletion), 1)

	history, err := st.TaskHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, task.ID(), history[0].ID)
	assert.Equal(t, core.DefaultMode, history[0].Mode)
}

func TestScenario_SubtaskResumesParent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	view := panel.NewChannelWebview(1024)
	out, err := panel.New(view, st, zaptest.NewLogger(t))
	require.NoError(t, err)
	p := newProvider(t, out, st)

	var spawned []string
	var mu sync.Mutex
	p.Subscribe(core.EventTaskCreated, func(ev core.Event) {
		mu.Lock()
		defer mu.Unlock()
		spawned = append(spawned, ev.TaskID)
	})

	root, err := p.CreateTaskInstance(ctx, core.TaskOptions{Text: "plan then run a subtask"})
	require.NoError(t, err)
	_, runErr := wait(t, root).Result()
	require.NoError(t, runErr)

	mu.Lock()
	require.Len(t, spawned, 2)
	childID := spawned[1]
	mu.Unlock()

	assert.Equal(t, core.TaskStatePopped, p.TaskState(childID))
	assert.Equal(t, []string{root.ID()}, p.GetCurrentTaskStack())

	history, err := st.TaskHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	byID := map[string]adapter.HistoryItem{}
	for _, item := range history {
		byID[item.ID] = item
	}
	assert.Equal(t, root.ID(), byID[childID].ParentTaskID)
	assert.Equal(t, root.ID(), byID[childID].RootTaskID)

	var subtaskResult string
	for {
		select {
		case env := <-view.Messages():
			if env.Message != nil && env.Message.Say == adapter.SaySubtaskResult {
				subtaskResult = env.Message.Text
			}
			continue
		default:
		}
		break
	}
	assert.Contains(t, subtaskResult, "Finished: child step of:")
}

func TestScenario_ToolFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	var buf bytes.Buffer
	p := newProvider(t, terminal.New(&buf, terminal.WithPersistence(st)), st)

	failed := make(chan core.Event, 1)
	p.Subscribe(core.EventTaskToolFailed, func(ev core.Event) { failed <- ev })

	task, err := p.CreateTaskInstance(ctx, core.TaskOptions{Text: "trigger tool_fail"})
	require.NoError(t, err)
	_, runErr := wait(t, task).Result()
	require.NoError(t, runErr)

	ev := <-failed
	assert.Equal(t, "list_files", ev.ToolName)
	assert.Equal(t, core.TaskStatusCompleted, task.Status())
	assert.Contains(t, buf.String(), "[error] list_files failed")
	assert.Contains(t, buf.String(), "[done] Finished: trigger tool_fail")
}

func TestScenario_AbortOnPop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sender := &memorySender{}
	out, err := sse.NewAdapter("job-2", sender, sse.WithPersistence(st))
	require.NoError(t, err)
	p := newProvider(t, out, st, scenario.WithStepDelay(50*time.Millisecond))

	aborted := make(chan string, 1)
	p.Subscribe(core.EventTaskAborted, func(ev core.Event) { aborted <- ev.TaskID })

	task, err := p.CreateTaskInstance(ctx, core.TaskOptions{Text: "long running job"})
	require.NoError(t, err)
	require.NoError(t, p.RemoveTaskFromStack(ctx))

	assert.Equal(t, task.ID(), <-aborted)
	assert.True(t, task.IsAborted())
	assert.Equal(t, core.TaskStatusAborted, task.Status())
	assert.Empty(t, sender.byType(sse.EventCompletion))
}

func TestScenario_DisposeWhileSubtaskRuns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	out, err := sse.NewAdapter("job-3", &memorySender{}, sse.WithPersistence(st))
	require.NoError(t, err)
	p, err := core.NewProvider(out, scenario.NewFactory(scenario.WithStepDelay(20*time.Millisecond)),
		core.WithAPIConfiguration(testAPI), core.WithContext(st))
	require.NoError(t, err)

	root, err := p.CreateTaskInstance(ctx, core.TaskOptions{Text: "do a subtask slowly"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.GetTaskStackSize() == 2 }, 5*time.Second, 5*time.Millisecond)
	child := p.GetCurrentTask()

	p.Dispose(ctx)

	assert.Equal(t, 0, p.GetTaskStackSize())
	assert.Equal(t, core.TaskStatusAborted, root.Status())
	assert.Equal(t, core.TaskStatusAborted, child.Status())
}

func TestScenario_ChunksOnTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	var buf bytes.Buffer
	p := newProvider(t, terminal.New(&buf, terminal.WithPersistence(st)), st, scenario.WithChunks(true))

	task, err := p.CreateTaskInstance(ctx, core.TaskOptions{Text: "stream it", Mode: "ask"})
	require.NoError(t, err)
	wait(t, task)

	assert.Contains(t, buf.String(), `Working on "stream it" in ask mode.`+"\n")
}

func TestScenario_Validation(t *testing.T) {
	factory := scenario.NewFactory()
	p, err := core.NewProvider(terminal.New(&bytes.Buffer{}), factory, core.WithAPIConfiguration(testAPI))
	require.NoError(t, err)

	_, err = p.CreateTaskInstance(context.Background(), core.TaskOptions{Text: "  "})
	assert.Error(t, err)
	assert.Equal(t, 0, p.GetTaskStackSize())

	task, err := scenario.New(p, core.TaskOptions{Text: "x"}, scenario.Config{})
	require.NoError(t, err)
	assert.ErrorIs(t, task.Resume(context.Background(), "nope"), scenario.ErrNotPaused)
	require.NoError(t, task.Abort(context.Background()))
	assert.Equal(t, core.TaskStatusAborted, task.Status())
}
