package adapter

import (
	"context"
	"encoding/json"
	"time"
)

// MessageType distinguishes statements from questions.
type MessageType string

const (
	MessageSay MessageType = "say"
	MessageAsk MessageType = "ask"
)

// Say kinds.
const (
	SayText             = "text"
	SayReasoning        = "reasoning"
	SayTool             = "tool"
	SayCommandOutput    = "command_output"
	SayAPIReqStarted    = "api_req_started"
	SayCompletionResult = "completion_result"
	SaySubtaskResult    = "subtask_result"
	SayUserFeedback     = "user_feedback"
	SayWarning          = "warning"
	SayError            = "error"
)

// Ask kinds.
const (
	AskFollowup         = "followup"
	AskCommand          = "command"
	AskTool             = "tool"
	AskCompletionResult = "completion_result"
	AskAPIReqFailed     = "api_req_failed"
	AskResumeTask       = "resume_task"
)

// Message is one piece of classified task output.
type Message struct {
	TS          int64       `json:"ts"`
	Type        MessageType `json:"type"`
	Say         string      `json:"say,omitempty"`
	Ask         string      `json:"ask,omitempty"`
	Text        string      `json:"text,omitempty"`
	Images      []string    `json:"images,omitempty"`
	Suggestions []string    `json:"suggestions,omitempty"`
	Partial     bool        `json:"partial,omitempty"`
	TaskID      string      `json:"taskId,omitempty"`
}

// Say builds a statement message stamped with the current time.
func Say(kind, text string) *Message {
	return &Message{TS: time.Now().UnixMilli(), Type: MessageSay, Say: kind, Text: text}
}

// Ask builds a question message stamped with the current time.
func Ask(kind, text string, suggestions ...string) *Message {
	return &Message{TS: time.Now().UnixMilli(), Type: MessageAsk, Ask: kind, Text: text, Suggestions: suggestions}
}

// Kind returns the say or ask kind, whichever is set.
func (m *Message) Kind() string {
	if m.Type == MessageAsk {
		return m.Ask
	}
	return m.Say
}

// ExtensionMessage is a structured non-content message (UI control, status).
type ExtensionMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Action  string `json:"action,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// HistoryItem is the persisted summary of one task.
type HistoryItem struct {
	ID           string  `json:"id" yaml:"id"`
	Number       int     `json:"number" yaml:"number"`
	TS           int64   `json:"ts" yaml:"ts"`
	Task         string  `json:"task" yaml:"task"`
	TokensIn     int64   `json:"tokensIn" yaml:"tokens_in"`
	TokensOut    int64   `json:"tokensOut" yaml:"tokens_out"`
	CacheWrites  *int64  `json:"cacheWrites,omitempty" yaml:"cache_writes,omitempty"`
	CacheReads   *int64  `json:"cacheReads,omitempty" yaml:"cache_reads,omitempty"`
	TotalCost    float64 `json:"totalCost" yaml:"total_cost"`
	Size         int64   `json:"size,omitempty" yaml:"size,omitempty"`
	Workspace    string  `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Mode         string  `json:"mode,omitempty" yaml:"mode,omitempty"`
	ParentTaskID string  `json:"parentTaskId,omitempty" yaml:"parent_task_id,omitempty"`
	RootTaskID   string  `json:"rootTaskId,omitempty" yaml:"root_task_id,omitempty"`
}

// ProviderState is the full externally visible state pushed by SyncState.
type ProviderState struct {
	Version       string         `json:"version,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	APIProvider   string         `json:"apiProvider,omitempty"`
	APIModelID    string         `json:"apiModelId,omitempty"`
	CurrentTaskID string         `json:"currentTaskId,omitempty"`
	TaskStack     []string       `json:"taskStack"`
	TaskHistory   []HistoryItem  `json:"taskHistory"`
	GlobalState   map[string]any `json:"globalState,omitempty"`
}

// TaskHistoryKey is the persistent-data key under which stores expose task history.
const TaskHistoryKey = "taskHistory"

// Persistence is the storage an adapter delegates history and key-value data to.
type Persistence interface {
	UpsertTaskHistory(ctx context.Context, item HistoryItem) ([]HistoryItem, error)
	TaskHistory(ctx context.Context) ([]HistoryItem, error)
	SetData(ctx context.Context, key string, raw json.RawMessage) error
	// Data returns nil when key is unknown.
	Data(ctx context.Context, key string) (json.RawMessage, error)
}
