package sse

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags an SSEEvent. Consumers must ignore types they do not know.
type EventType string

const (
	EventStart       EventType = "start"
	EventProgress    EventType = "progress"
	EventToolUse     EventType = "tool_use"
	EventCompletion  EventType = "completion"
	EventStreamEnd   EventType = "stream_end"
	EventError       EventType = "error"
	EventLog         EventType = "log"
	EventQuestion    EventType = "question"
	EventQuestionAsk EventType = "question_ask"
	EventWarning     EventType = "warning"
	EventInformation EventType = "information"
	EventTokenUsage  EventType = "token_usage"
)

// TimestampFormat is ISO-8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// SSEEvent is one wire message. Only Type, JobID and Timestamp are always set;
// every other field is optional and additive.
type SSEEvent struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId"`
	Timestamp string    `json:"timestamp"`

	TaskID      string      `json:"taskId,omitempty"`
	Message     string      `json:"message,omitempty"`
	Partial     bool        `json:"partial,omitempty"`
	Chunk       string      `json:"chunk,omitempty"`
	ToolName    string      `json:"toolName,omitempty"`
	ToolInput   any         `json:"toolInput,omitempty"`
	Result      string      `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	Level       string      `json:"level,omitempty"`
	QuestionID  string      `json:"questionId,omitempty"`
	Choices     []string    `json:"choices,omitempty"`
	Suggestions []string    `json:"suggestions,omitempty"`
	Data        any         `json:"data,omitempty"`
	TokenUsage  *TokenUsage `json:"tokenUsage,omitempty"`
}

// Encode renders the event as one SSE message: "data: <json>\n\n".
func (e *SSEEvent) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
	}
	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out, nil
}

// Time parses Timestamp.
func (e *SSEEvent) Time() (time.Time, error) {
	return time.Parse(TimestampFormat, e.Timestamp)
}

// TokenUsage is the token_usage payload. The two counters are always present;
// the optional fields are omitted when unknown, which is distinct from zero.
type TokenUsage struct {
	TotalTokensIn    float64  `json:"totalTokensIn"`
	TotalTokensOut   float64  `json:"totalTokensOut"`
	TotalCacheWrites *float64 `json:"totalCacheWrites,omitempty"`
	TotalCacheReads  *float64 `json:"totalCacheReads,omitempty"`
	TotalCost        *float64 `json:"totalCost,omitempty"`
	ContextTokens    *float64 `json:"contextTokens,omitempty"`
}
