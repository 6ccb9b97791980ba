// Package scenario provides a scripted task used by the example hosts and
// integration tests. It exercises every part of the task contract without a
// model behind it: streamed partial text, tool reports, token usage, subtasks,
// tool failures and abort.
package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/core"
	"go.uber.org/zap"
)

var (
	_ core.Task    = (*Task)(nil)
	_ core.Starter = (*Task)(nil)
)

// Prompt keywords.
const (
	KeywordSubtask  = "subtask"
	KeywordToolFail = "tool_fail"
)

var ErrNotPaused = errors.New("task is not waiting for a subtask")

// Pricing used for the simulated cost, per token.
const (
	inputPrice  = 3.0 / 1_000_000
	outputPrice = 15.0 / 1_000_000
)

type Config struct {
	StepDelay time.Duration
	// Chunks sends raw text through StreamChunk when the adapter supports it,
	// instead of partial messages.
	Chunks bool
}

type Option func(*Config)

func WithStepDelay(d time.Duration) Option {
	return func(c *Config) { c.StepDelay = d }
}

func WithChunks(enabled bool) Option {
	return func(c *Config) { c.Chunks = enabled }
}

// NewFactory returns a core.TaskFactory building scripted tasks.
func NewFactory(opts ...Option) core.TaskFactory {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(ctx context.Context, host core.TaskHost, taskOpts core.TaskOptions) (core.Task, error) {
		return New(host, taskOpts, cfg)
	}
}

// Task is a scripted core.Task.
type Task struct {
	*core.BaseTask

	host   core.TaskHost
	opts   core.TaskOptions
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	resume  chan string
	waiting bool
	result  string
	err     error

	tokensIn  int64
	tokensOut int64
}

func New(host core.TaskHost, opts core.TaskOptions, cfg Config) (*Task, error) {
	if host == nil {
		return nil, fmt.Errorf("task host is required")
	}
	if strings.TrimSpace(opts.Text) == "" {
		return nil, fmt.Errorf("task text is empty")
	}
	base := core.NewBaseTask(opts, host.Logger())
	return &Task{
		BaseTask: base,
		host:     host,
		opts:     opts,
		cfg:      cfg,
		logger:   base.Logger().Named("scenario"),
		resume:   make(chan string, 1),
	}, nil
}

// Start runs the script in the background.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return fmt.Errorf("task %s already started", t.ID())
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.Emit(core.TaskEvent{Kind: core.TaskStarted})
	go func() {
		result, err := t.run(runCtx)
		t.finish(result, err)
		if err == nil && t.ParentID() != "" {
			if ferr := t.host.FinishSubTask(context.WithoutCancel(runCtx), result); ferr != nil {
				t.logger.Error("Failed to finish subtask", zap.Error(ferr))
			}
		}
	}()
	return nil
}

// Done is closed when the script has stopped. It is nil before Start.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Result returns the completion text and the error that stopped the script.
func (t *Task) Result() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

func (t *Task) Abort(ctx context.Context) error {
	if t.Status().Terminal() {
		return nil
	}
	if !t.MarkAborted() {
		return nil
	}
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel == nil {
		t.Emit(core.TaskEvent{Kind: core.TaskAborted})
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("abort of task %s did not settle: %w", t.ID(), ctx.Err())
	}
}

func (t *Task) Resume(ctx context.Context, lastMessage string) error {
	t.mu.Lock()
	waiting := t.waiting
	t.mu.Unlock()
	if !waiting {
		return ErrNotPaused
	}
	select {
	case t.resume <- lastMessage:
		return nil
	default:
		return fmt.Errorf("task %s already resumed", t.ID())
	}
}

func (t *Task) finish(result string, err error) {
	t.mu.Lock()
	t.result, t.err = result, err
	t.mu.Unlock()

	switch {
	case err == nil:
		t.Emit(core.TaskEvent{Kind: core.TaskCompleted, TokenUsage: t.usage()})
	case t.IsAborted() || errors.Is(err, context.Canceled):
		t.MarkAborted()
		t.Emit(core.TaskEvent{Kind: core.TaskAborted})
	default:
		t.say(context.Background(), adapter.SayError, err.Error())
		t.Emit(core.TaskEvent{Kind: core.TaskAborted})
	}

	t.mu.Lock()
	close(t.done)
	t.mu.Unlock()
}

func (t *Task) run(ctx context.Context) (string, error) {
	out := t.host.Adapter()
	prompt := strings.TrimSpace(t.opts.Text)

	req, _ := json.Marshal(map[string]any{"request": prompt, "mode": t.opts.Mode})
	t.say(ctx, adapter.SayAPIReqStarted, string(req))
	t.account(int64(len(prompt)/4+100), 0)

	if err := t.stream(ctx, out, fmt.Sprintf("Working on %q in %s mode.", prompt, t.opts.Mode)); err != nil {
		return "", err
	}

	tool, _ := json.Marshal(map[string]string{"tool": "list_files", "path": "."})
	t.say(ctx, adapter.SayTool, string(tool))
	if err := t.pause(ctx); err != nil {
		return "", err
	}
	if strings.Contains(prompt, KeywordToolFail) {
		t.say(ctx, adapter.SayError, "list_files failed: simulated failure")
		t.Emit(core.TaskEvent{Kind: core.TaskToolFailed, ToolName: "list_files", Error: "simulated failure"})
	} else {
		t.say(ctx, adapter.SayCommandOutput, "README.md\ngo.mod\nmain.go")
	}
	t.account(200, 40)
	adapter.ReportTokenUsage(out, t.usage())
	t.Emit(core.TaskEvent{Kind: core.TaskTokenUsageUpdated, TokenUsage: t.usage()})

	if strings.Contains(prompt, KeywordSubtask) && t.ParentID() == "" {
		childResult, err := t.runSubtask(ctx, prompt)
		if err != nil {
			return "", err
		}
		t.say(ctx, adapter.SaySubtaskResult, childResult)
	}

	result := fmt.Sprintf("Finished: %s", prompt)
	t.account(50, int64(len(result)/4+1))
	t.say(ctx, adapter.SayCompletionResult, result)
	adapter.ReportTokenUsage(out, t.usage())

	if _, err := t.host.UpdateTaskHistory(ctx, t.historyItem(prompt)); err != nil {
		t.logger.Warn("Failed to record task history", zap.Error(err))
	}
	return result, nil
}

func (t *Task) runSubtask(ctx context.Context, prompt string) (string, error) {
	t.mu.Lock()
	t.waiting = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.waiting = false
		t.mu.Unlock()
	}()

	t.Emit(core.TaskEvent{Kind: core.TaskPaused})
	child, err := t.host.CreateTaskInstance(ctx, core.TaskOptions{
		Text:  "child step of: " + strings.ReplaceAll(prompt, KeywordSubtask, "step"),
		Mode:  t.opts.Mode,
		JobID: t.opts.JobID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to spawn subtask: %w", err)
	}
	t.Emit(core.TaskEvent{Kind: core.TaskSpawned, ChildTaskID: child.ID()})

	select {
	case msg := <-t.resume:
		t.Emit(core.TaskEvent{Kind: core.TaskUnpaused})
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// stream delivers text word by word as replacing partials, or as raw chunks.
func (t *Task) stream(ctx context.Context, out adapter.IOutputAdapter, text string) error {
	words := strings.Fields(text)
	useChunks := t.cfg.Chunks && adapter.Supports(out, adapter.CapabilityStreamChunk)
	var sofar string
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		sofar += w
		if useChunks {
			adapter.StreamChunk(ctx, out, w)
		} else {
			msg := adapter.Say(adapter.SayText, sofar)
			msg.Partial = true
			msg.TaskID = t.ID()
			out.OutputPartialContent(ctx, msg)
		}
		t.account(0, 1)
		if err := t.pause(ctx); err != nil {
			return err
		}
	}
	if useChunks {
		adapter.StreamChunk(ctx, out, "\n")
		return nil
	}
	t.say(ctx, adapter.SayText, sofar)
	return nil
}

func (t *Task) say(ctx context.Context, kind, text string) {
	msg := adapter.Say(kind, text)
	msg.TaskID = t.ID()
	t.host.Adapter().OutputContent(ctx, msg)
	t.Emit(core.TaskEvent{Kind: core.TaskMessage, Message: msg})
}

func (t *Task) pause(ctx context.Context) error {
	if t.cfg.StepDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(t.cfg.StepDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) account(in, out int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokensIn += in
	t.tokensOut += out
}

func (t *Task) usage() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{
		"totalTokensIn":  t.tokensIn,
		"totalTokensOut": t.tokensOut,
		"totalCost":      float64(t.tokensIn)*inputPrice + float64(t.tokensOut)*outputPrice,
	}
}

func (t *Task) historyItem(prompt string) adapter.HistoryItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return adapter.HistoryItem{
		ID:           t.ID(),
		Number:       t.opts.TaskNumber,
		TS:           time.Now().UnixMilli(),
		Task:         prompt,
		TokensIn:     t.tokensIn,
		TokensOut:    t.tokensOut,
		TotalCost:    float64(t.tokensIn)*inputPrice + float64(t.tokensOut)*outputPrice,
		Mode:         t.opts.Mode,
		ParentTaskID: t.ParentID(),
		RootTaskID:   t.RootID(),
	}
}
