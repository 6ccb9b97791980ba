// Package sse delivers task output to HTTP clients as Server-Sent Events, one
// stream per job.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"go.uber.org/zap"
)

var (
	_ adapter.IOutputAdapter     = (*Adapter)(nil)
	_ adapter.ChunkStreamer      = (*Adapter)(nil)
	_ adapter.Disposer           = (*Adapter)(nil)
	_ adapter.TokenUsageReporter = (*Adapter)(nil)
)

// Adapter serializes task output for one job onto a StreamSender. Events are
// sent in call order with no buffering; a failed send drops that one event.
type Adapter struct {
	adapter.PersistentStore

	jobID   string
	streams StreamSender
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	lastTS    time.Time
	ended     bool
	completed bool
	disposed  bool
}

type Option func(*Adapter)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithPersistence sets where history and persistent data go.
func WithPersistence(p adapter.Persistence) Option {
	return func(a *Adapter) { a.Persistence = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdapter creates an adapter for jobID.
func NewAdapter(jobID string, streams StreamSender, opts ...Option) (*Adapter, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if streams == nil {
		return nil, fmt.Errorf("stream sender is required")
	}
	a := &Adapter{
		jobID:   jobID,
		streams: streams,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("sse").With(zap.String("jobID", jobID))
	return a, nil
}

func (a *Adapter) JobID() string { return a.jobID }

// Emit stamps ev with the job id and a non-decreasing timestamp and sends it.
// It reports whether the event reached a live stream. Nothing is sent after
// stream_end.
func (a *Adapter) Emit(ev *SSEEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emitLocked(ev)
}

func (a *Adapter) emitLocked(ev *SSEEvent) bool {
	// stream_end is always the last event of a job
	if a.ended && ev.Type != EventStreamEnd {
		a.logger.Debug("Event dropped after stream end", zap.String("type", string(ev.Type)))
		return false
	}
	ts := a.now().UTC()
	if ts.Before(a.lastTS) {
		ts = a.lastTS
	}
	a.lastTS = ts
	ev.JobID = a.jobID
	ev.Timestamp = ts.Format(TimestampFormat)

	if !a.streams.SendEvent(a.jobID, ev) {
		a.logger.Debug("Event dropped, no live stream", zap.String("type", string(ev.Type)))
		return false
	}
	return true
}

func (a *Adapter) EmitStart(message string) bool {
	return a.Emit(&SSEEvent{Type: EventStart, Message: message})
}

func (a *Adapter) EmitProgress(message string, partial bool) bool {
	return a.Emit(&SSEEvent{Type: EventProgress, Message: message, Partial: partial})
}

func (a *Adapter) EmitToolUse(toolName string, toolInput any, message string) bool {
	return a.Emit(&SSEEvent{Type: EventToolUse, ToolName: toolName, ToolInput: toolInput, Message: message})
}

// EmitCompletion sends the final result. Later completions are still sent.
func (a *Adapter) EmitCompletion(result string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = true
	return a.emitLocked(&SSEEvent{Type: EventCompletion, Result: result, Message: result})
}

// EmitStreamEnd marks the end of the job's output. Only the first call is sent.
func (a *Adapter) EmitStreamEnd() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return false
	}
	a.ended = true
	return a.emitLocked(&SSEEvent{Type: EventStreamEnd})
}

func (a *Adapter) EmitError(errMsg string) bool {
	return a.Emit(&SSEEvent{Type: EventError, Error: errMsg, Message: errMsg})
}

func (a *Adapter) EmitLog(level, message string, data any) bool {
	return a.Emit(&SSEEvent{Type: EventLog, Level: level, Message: message, Data: data})
}

func (a *Adapter) EmitWarning(message string) bool {
	return a.Emit(&SSEEvent{Type: EventWarning, Message: message})
}

func (a *Adapter) EmitInformation(message string, data any) bool {
	return a.Emit(&SSEEvent{Type: EventInformation, Message: message, Data: data})
}

// EmitQuestion asks for approval; choices are the accepted answers.
func (a *Adapter) EmitQuestion(questionID, message string, choices []string) bool {
	return a.Emit(&SSEEvent{Type: EventQuestion, QuestionID: questionID, Message: message, Choices: choices})
}

// EmitQuestionAsk asks a free-form follow-up question.
func (a *Adapter) EmitQuestionAsk(questionID, message string, suggestions []string) bool {
	return a.Emit(&SSEEvent{Type: EventQuestionAsk, QuestionID: questionID, Message: message, Suggestions: suggestions})
}

// EmitTokenUsage sends a token_usage event built from raw. Nothing is sent when
// raw is not an object. Failures are logged and never reach the caller.
func (a *Adapter) EmitTokenUsage(raw any) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("Failed to emit token usage", zap.Any("panic", r))
		}
	}()
	usage, ok := ParseTokenUsage(raw)
	if !ok {
		a.logger.Debug("No token usage to emit", zap.String("rawType", fmt.Sprintf("%T", raw)))
		return
	}
	if !a.Emit(&SSEEvent{Type: EventTokenUsage, Message: usage.Summary(), TokenUsage: usage}) {
		a.logger.Debug("Token usage event not delivered")
	}
}

// OutputContent maps a complete message onto an event type by its kind.
func (a *Adapter) OutputContent(ctx context.Context, msg *adapter.Message) {
	if msg == nil {
		return
	}
	ev := a.eventFor(msg)
	ev.TaskID = msg.TaskID
	if ev.Type == EventCompletion {
		a.mu.Lock()
		a.completed = true
		a.mu.Unlock()
	}
	a.Emit(ev)
}

func (a *Adapter) eventFor(msg *adapter.Message) *SSEEvent {
	if msg.Type == adapter.MessageAsk {
		switch msg.Ask {
		case adapter.AskFollowup:
			return &SSEEvent{Type: EventQuestionAsk, QuestionID: questionID(msg), Message: msg.Text, Suggestions: msg.Suggestions}
		case adapter.AskTool, adapter.AskCommand:
			return &SSEEvent{Type: EventQuestion, QuestionID: questionID(msg), Message: msg.Text, Choices: msg.Suggestions}
		case adapter.AskAPIReqFailed:
			return &SSEEvent{Type: EventError, Error: msg.Text, Message: msg.Text}
		default:
			return &SSEEvent{Type: EventLog, Level: "info", Message: msg.Text, Data: map[string]string{"ask": msg.Ask}}
		}
	}
	switch msg.Say {
	case adapter.SayText, adapter.SayReasoning, adapter.SaySubtaskResult:
		return &SSEEvent{Type: EventProgress, Message: msg.Text}
	case adapter.SayCompletionResult:
		return &SSEEvent{Type: EventCompletion, Result: msg.Text, Message: msg.Text}
	case adapter.SayError:
		return &SSEEvent{Type: EventError, Error: msg.Text, Message: msg.Text}
	case adapter.SayTool, adapter.SayCommandOutput:
		name, input := toolFromText(msg.Say, msg.Text)
		return &SSEEvent{Type: EventToolUse, ToolName: name, ToolInput: input, Message: msg.Text}
	case adapter.SayWarning:
		return &SSEEvent{Type: EventWarning, Message: msg.Text}
	default:
		return &SSEEvent{Type: EventLog, Level: "info", Message: msg.Text, Data: map[string]string{"say": msg.Say}}
	}
}

func questionID(msg *adapter.Message) string {
	return fmt.Sprintf("q-%d", msg.TS)
}

// toolFromText extracts {"tool": name, ...} payloads; plain text is passed through.
func toolFromText(kind, text string) (string, any) {
	var payload map[string]any
	if strings.HasPrefix(strings.TrimSpace(text), "{") && json.Unmarshal([]byte(text), &payload) == nil {
		if name, ok := payload["tool"].(string); ok && name != "" {
			return name, payload
		}
		return kind, payload
	}
	return kind, text
}

// OutputPartialContent sends the latest partial state as progress.
func (a *Adapter) OutputPartialContent(ctx context.Context, msg *adapter.Message) {
	if msg == nil {
		return
	}
	a.Emit(&SSEEvent{Type: EventProgress, Message: msg.Text, Partial: true, TaskID: msg.TaskID})
}

func (a *Adapter) StreamChunk(ctx context.Context, chunk string) {
	if chunk == "" {
		return
	}
	a.Emit(&SSEEvent{Type: EventProgress, Chunk: chunk, Partial: true})
}

func (a *Adapter) SendMessage(ctx context.Context, msg *adapter.ExtensionMessage) {
	if msg == nil {
		return
	}
	a.EmitInformation(msg.Text, msg)
}

func (a *Adapter) SendPartialUpdate(ctx context.Context, msg *adapter.ExtensionMessage) {
	if msg == nil {
		return
	}
	a.Emit(&SSEEvent{Type: EventProgress, Message: msg.Text, Partial: true, Data: msg})
}

// SyncState is not forwarded; API clients follow events, not snapshots.
func (a *Adapter) SyncState(ctx context.Context, state *adapter.ProviderState) error {
	if state != nil {
		a.logger.Debug("State synced",
			zap.String("currentTaskID", state.CurrentTaskID),
			zap.Int("stackSize", len(state.TaskStack)))
	}
	return nil
}

func (a *Adapter) NotifyStateChange(ctx context.Context, changeType string, data any) {
	a.EmitLog("debug", "state changed: "+changeType, data)
}

// Reset is a no-op: events are never buffered.
func (a *Adapter) Reset() {}

// Completed reports whether a completion event was produced.
func (a *Adapter) Completed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

// Dispose ends and closes the job's stream. Safe to call more than once.
func (a *Adapter) Dispose(ctx context.Context) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil
	}
	a.disposed = true
	if !a.ended {
		a.ended = true
		a.emitLocked(&SSEEvent{Type: EventStreamEnd})
	}
	a.mu.Unlock()

	a.streams.CloseStream(a.jobID)
	a.logger.Debug("Adapter disposed")
	return nil
}
