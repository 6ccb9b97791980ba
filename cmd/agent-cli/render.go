package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/adapter/sse"
	"github.com/sakamotopaya/code-agent-sub007/adapter/terminal"
)

// renderer replays a remote job stream through the terminal adapter so local
// and attached runs look the same.
type renderer struct {
	out     *terminal.Adapter
	verbose bool
	result  string
	failed  bool
}

func newRenderer(out *terminal.Adapter, verbose bool) *renderer {
	return &renderer{out: out, verbose: verbose}
}

func (r *renderer) handle(ev *sse.SSEEvent) {
	ctx := context.Background()
	switch ev.Type {
	case sse.EventProgress:
		switch {
		case ev.Chunk != "":
			r.out.StreamChunk(ctx, ev.Chunk)
		case ev.Partial:
			r.out.OutputPartialContent(ctx, withTask(adapter.Say(adapter.SayText, ev.Message), ev))
		default:
			r.out.OutputContent(ctx, withTask(adapter.Say(adapter.SayText, ev.Message), ev))
		}
	case sse.EventToolUse:
		r.out.OutputContent(ctx, withTask(adapter.Say(adapter.SayTool, toolText(ev)), ev))
	case sse.EventCompletion:
		r.result = firstNonEmpty(ev.Result, ev.Message)
		r.out.OutputContent(ctx, withTask(adapter.Say(adapter.SayCompletionResult, r.result), ev))
	case sse.EventError:
		r.failed = true
		r.out.OutputContent(ctx, withTask(adapter.Say(adapter.SayError, firstNonEmpty(ev.Error, ev.Message)), ev))
	case sse.EventWarning:
		r.out.OutputContent(ctx, withTask(adapter.Say(adapter.SayWarning, ev.Message), ev))
	case sse.EventQuestion:
		r.out.OutputContent(ctx, withTask(adapter.Ask(adapter.AskTool, ev.Message, ev.Choices...), ev))
	case sse.EventQuestionAsk:
		r.out.OutputContent(ctx, withTask(adapter.Ask(adapter.AskFollowup, ev.Message, ev.Suggestions...), ev))
	case sse.EventTokenUsage:
		if ev.TokenUsage != nil {
			r.out.EmitTokenUsage(ev.TokenUsage)
		}
	case sse.EventInformation:
		r.out.SendMessage(ctx, &adapter.ExtensionMessage{Type: "information", Text: ev.Message})
	case sse.EventLog:
		if r.verbose {
			r.out.OutputContent(ctx, withTask(adapter.Say("log", ev.Message), ev))
		}
	case sse.EventStart:
		if r.verbose {
			r.out.OutputContent(ctx, withTask(adapter.Say("start", firstNonEmpty(ev.Message, ev.JobID)), ev))
		}
	case sse.EventStreamEnd:
		r.out.Reset()
	}
}

func withTask(msg *adapter.Message, ev *sse.SSEEvent) *adapter.Message {
	msg.TaskID = ev.TaskID
	return msg
}

func toolText(ev *sse.SSEEvent) string {
	if ev.ToolName == "" {
		return ev.Message
	}
	var b strings.Builder
	b.WriteString(ev.ToolName)
	if ev.ToolInput != nil {
		if raw, err := json.Marshal(ev.ToolInput); err == nil {
			b.WriteString(" ")
			b.Write(raw)
		}
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
