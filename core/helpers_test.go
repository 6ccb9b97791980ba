package core_test

import (
	"context"
	"errors"
	"sync"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/core"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/sakamotopaya/code-agent-sub007/store"
)

var testAPI = &config.APIConfiguration{Provider: "anthropic", ModelID: "test-model"}

type recordingAdapter struct {
	adapter.PersistentStore

	mu            sync.Mutex
	states        []*adapter.ProviderState
	notifications []string
	resets        int
	disposals     int
	syncErr       error
	disposePanic  bool
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{PersistentStore: adapter.PersistentStore{Persistence: store.NewMemoryStore()}}
}

func (a *recordingAdapter) OutputContent(context.Context, *adapter.Message)              {}
func (a *recordingAdapter) OutputPartialContent(context.Context, *adapter.Message)       {}
func (a *recordingAdapter) SendMessage(context.Context, *adapter.ExtensionMessage)       {}
func (a *recordingAdapter) SendPartialUpdate(context.Context, *adapter.ExtensionMessage) {}
func (a *recordingAdapter) NotifyStateChange(_ context.Context, changeType string, _ any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifications = append(a.notifications, changeType)
}

func (a *recordingAdapter) SyncState(_ context.Context, state *adapter.ProviderState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.syncErr != nil {
		return a.syncErr
	}
	a.states = append(a.states, state)
	return nil
}

func (a *recordingAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
}

func (a *recordingAdapter) Dispose(context.Context) error {
	a.mu.Lock()
	a.disposals++
	a.mu.Unlock()
	if a.disposePanic {
		panic("adapter exploded")
	}
	return nil
}

func (a *recordingAdapter) syncCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

func (a *recordingAdapter) lastState() *adapter.ProviderState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.states) == 0 {
		return nil
	}
	return a.states[len(a.states)-1]
}

type fakeTask struct {
	*core.BaseTask

	mu         sync.Mutex
	opts       core.TaskOptions
	abortCalls int
	resumes    []string
	abortErr   error
	abortPanic bool
	startCalls int
}

func newFakeTask(opts core.TaskOptions) *fakeTask {
	return &fakeTask{BaseTask: core.NewBaseTask(opts, nil), opts: opts}
}

func (t *fakeTask) Abort(context.Context) error {
	t.mu.Lock()
	t.abortCalls++
	t.mu.Unlock()
	if t.MarkAborted() {
		t.Emit(core.TaskEvent{Kind: core.TaskAborted})
	}
	if t.abortPanic {
		panic("abort exploded")
	}
	return t.abortErr
}

func (t *fakeTask) Resume(_ context.Context, lastMessage string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumes = append(t.resumes, lastMessage)
	return nil
}

func (t *fakeTask) Start(context.Context) error {
	t.mu.Lock()
	t.startCalls++
	t.mu.Unlock()
	t.Emit(core.TaskEvent{Kind: core.TaskStarted})
	return nil
}

func (t *fakeTask) aborts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortCalls
}

func (t *fakeTask) resumed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.resumes...)
}

// fakeFactory records every task it builds.
type fakeFactory struct {
	mu    sync.Mutex
	tasks []*fakeTask
	err   error
}

func (f *fakeFactory) build(_ context.Context, _ core.TaskHost, opts core.TaskOptions) (core.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	t := newFakeTask(opts)
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type recordingTelemetry struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTelemetry) CaptureEvent(name string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recordingTelemetry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var errBoom = errors.New("boom")

func adapterHistoryItem(id string, ts int64) adapter.HistoryItem {
	return adapter.HistoryItem{ID: id, TS: ts, Task: "task " + id}
}
