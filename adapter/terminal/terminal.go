// Package terminal renders task output on a console.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/adapter/sse"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	_ adapter.IOutputAdapter     = (*Adapter)(nil)
	_ adapter.ChunkStreamer      = (*Adapter)(nil)
	_ adapter.Disposer           = (*Adapter)(nil)
	_ adapter.TokenUsageReporter = (*Adapter)(nil)
)

const (
	colorReset   = "\033[0m"
	colorDim     = "\033[2m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
)

// Adapter prints messages to an io.Writer. Partial messages are rendered in
// place: when a partial extends the previous one only the new suffix is printed.
type Adapter struct {
	adapter.PersistentStore

	out     io.Writer
	logger  *zap.Logger
	color   bool
	batch   bool
	verbose bool

	mu          sync.Mutex
	partialOpen bool
	partialKind string
	lastPartial string
	chunkOpen   bool
}

type Option func(*Adapter)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithPersistence(p adapter.Persistence) Option {
	return func(a *Adapter) { a.Persistence = p }
}

// WithColor forces colors on or off.
func WithColor(enabled bool) Option {
	return func(a *Adapter) { a.color = enabled }
}

// WithBatch drops interactive-only output (state notices, partial UI updates).
func WithBatch(batch bool) Option {
	return func(a *Adapter) { a.batch = batch }
}

// WithVerbose prints api request and reasoning messages.
func WithVerbose(verbose bool) Option {
	return func(a *Adapter) { a.verbose = verbose }
}

// New creates an adapter writing to out. Colors default to on when out is a TTY.
func New(out io.Writer, opts ...Option) *Adapter {
	if out == nil {
		out = os.Stdout
	}
	a := &Adapter{
		out:    out,
		logger: zap.NewNop(),
		color:  isTerminal(out),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("terminal")
	return a
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (a *Adapter) paint(color, s string) string {
	if !a.color || s == "" {
		return s
	}
	return color + s + colorReset
}

func (a *Adapter) write(s string) {
	if _, err := io.WriteString(a.out, s); err != nil {
		a.logger.Warn("Failed to write to terminal", zap.Error(err))
	}
}

// breakLine ends any open partial or chunk line.
func (a *Adapter) breakLine() {
	if a.partialOpen || a.chunkOpen {
		a.write("\n")
	}
	a.partialOpen = false
	a.partialKind = ""
	a.lastPartial = ""
	a.chunkOpen = false
}

func (a *Adapter) prefix(msg *adapter.Message) string {
	if msg.Type == adapter.MessageAsk {
		switch msg.Ask {
		case adapter.AskFollowup:
			return a.paint(colorMagenta, "? ")
		case adapter.AskTool, adapter.AskCommand:
			return a.paint(colorMagenta, "? approve "+msg.Ask+": ")
		case adapter.AskAPIReqFailed:
			return a.paint(colorRed, "[api error] ")
		default:
			return a.paint(colorMagenta, "? ["+msg.Ask+"] ")
		}
	}
	switch msg.Say {
	case adapter.SayText, adapter.SayCommandOutput:
		return ""
	case adapter.SayReasoning:
		return a.paint(colorDim, "thinking: ")
	case adapter.SayTool:
		return a.paint(colorCyan, "[tool] ")
	case adapter.SayCompletionResult:
		return a.paint(colorGreen, "[done] ")
	case adapter.SaySubtaskResult:
		return a.paint(colorGreen, "[subtask] ")
	case adapter.SayError:
		return a.paint(colorRed, "[error] ")
	case adapter.SayWarning:
		return a.paint(colorYellow, "[warning] ")
	case adapter.SayUserFeedback:
		return "> "
	default:
		return a.paint(colorDim, "["+msg.Say+"] ")
	}
}

func (a *Adapter) hidden(msg *adapter.Message) bool {
	if a.verbose || msg.Type != adapter.MessageSay {
		return false
	}
	return msg.Say == adapter.SayAPIReqStarted || msg.Say == adapter.SayReasoning
}

func (a *Adapter) OutputContent(ctx context.Context, msg *adapter.Message) {
	if msg == nil || a.hidden(msg) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.partialOpen && msg.Kind() == a.partialKind && strings.HasPrefix(msg.Text, a.lastPartial) {
		a.write(msg.Text[len(a.lastPartial):] + "\n")
		a.partialOpen = false
		a.lastPartial = ""
	} else {
		a.breakLine()
		a.write(a.prefix(msg) + msg.Text + "\n")
	}
	for _, s := range msg.Suggestions {
		a.write(a.paint(colorDim, "  - "+s) + "\n")
	}
}

func (a *Adapter) OutputPartialContent(ctx context.Context, msg *adapter.Message) {
	if msg == nil || a.hidden(msg) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.partialOpen && msg.Kind() == a.partialKind && strings.HasPrefix(msg.Text, a.lastPartial) {
		a.write(msg.Text[len(a.lastPartial):])
	} else {
		a.breakLine()
		a.write(a.prefix(msg) + msg.Text)
		a.partialOpen = true
		a.partialKind = msg.Kind()
	}
	a.lastPartial = msg.Text
}

func (a *Adapter) StreamChunk(ctx context.Context, chunk string) {
	if chunk == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.partialOpen {
		a.breakLine()
	}
	a.write(chunk)
	a.chunkOpen = !strings.HasSuffix(chunk, "\n")
}

func (a *Adapter) SendMessage(ctx context.Context, msg *adapter.ExtensionMessage) {
	if msg == nil || msg.Text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breakLine()
	a.write(a.paint(colorDim, "["+msg.Type+"] ") + msg.Text + "\n")
}

func (a *Adapter) SendPartialUpdate(ctx context.Context, msg *adapter.ExtensionMessage) {
	if a.batch {
		return
	}
	a.SendMessage(ctx, msg)
}

func (a *Adapter) SyncState(ctx context.Context, state *adapter.ProviderState) error {
	if state != nil {
		a.logger.Debug("State synced", zap.Strings("taskStack", state.TaskStack))
	}
	return nil
}

func (a *Adapter) NotifyStateChange(ctx context.Context, changeType string, data any) {
	if a.batch {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breakLine()
	a.write(a.paint(colorDim, fmt.Sprintf("[state] %s changed", changeType)) + "\n")
}

// EmitTokenUsage prints a one-line usage summary.
func (a *Adapter) EmitTokenUsage(raw any) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("Failed to print token usage", zap.Any("panic", r))
		}
	}()
	usage, ok := sse.ParseTokenUsage(raw)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breakLine()
	a.write(a.paint(colorDim, usage.Summary()) + "\n")
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breakLine()
}

func (a *Adapter) Dispose(ctx context.Context) error {
	a.Reset()
	return nil
}
