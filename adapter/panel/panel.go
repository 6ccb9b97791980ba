// Package panel delivers task output to a GUI panel through a message channel.
package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"go.uber.org/zap"
)

var (
	_ adapter.IOutputAdapter = (*Adapter)(nil)
	_ adapter.Disposer       = (*Adapter)(nil)
)

// Message types posted to the panel.
const (
	TypeMessage        = "message"
	TypeMessageUpdated = "messageUpdated"
	TypeState          = "state"
	TypeStateChanged   = "stateChanged"
	TypeExtension      = "extension"
	TypePartialUpdate  = "partialUpdate"
	TypeReset          = "reset"
)

var ErrPanelClosed = errors.New("panel closed")

// Webview is the host panel.
type Webview interface {
	PostMessage(ctx context.Context, msg *Envelope) error
}

// Envelope is one message posted to the panel.
type Envelope struct {
	Type       string                    `json:"type"`
	Message    *adapter.Message          `json:"message,omitempty"`
	State      *adapter.ProviderState    `json:"state,omitempty"`
	Extension  *adapter.ExtensionMessage `json:"extension,omitempty"`
	ChangeType string                    `json:"changeType,omitempty"`
	Data       any                       `json:"data,omitempty"`
}

// Adapter posts everything to a Webview. It is the only adapter that consumes
// full state snapshots.
type Adapter struct {
	adapter.PersistentStore

	view   Webview
	logger *zap.Logger

	mu       sync.Mutex
	disposed bool
}

// New creates an adapter posting to view and persisting through p.
func New(view Webview, p adapter.Persistence, logger *zap.Logger) (*Adapter, error) {
	if view == nil {
		return nil, fmt.Errorf("webview is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		PersistentStore: adapter.PersistentStore{Persistence: p},
		view:            view,
		logger:          logger.Named("panel"),
	}, nil
}

func (a *Adapter) post(ctx context.Context, env *Envelope) error {
	a.mu.Lock()
	disposed := a.disposed
	a.mu.Unlock()
	if disposed {
		return ErrPanelClosed
	}
	return a.view.PostMessage(ctx, env)
}

// deliver posts env and logs failures.
func (a *Adapter) deliver(ctx context.Context, env *Envelope) {
	if err := a.post(ctx, env); err != nil {
		a.logger.Warn("Failed to post to panel", zap.String("type", env.Type), zap.Error(err))
	}
}

func (a *Adapter) OutputContent(ctx context.Context, msg *adapter.Message) {
	a.deliver(ctx, &Envelope{Type: TypeMessage, Message: msg})
}

func (a *Adapter) OutputPartialContent(ctx context.Context, msg *adapter.Message) {
	a.deliver(ctx, &Envelope{Type: TypeMessageUpdated, Message: msg})
}

func (a *Adapter) SendMessage(ctx context.Context, msg *adapter.ExtensionMessage) {
	a.deliver(ctx, &Envelope{Type: TypeExtension, Extension: msg})
}

func (a *Adapter) SendPartialUpdate(ctx context.Context, msg *adapter.ExtensionMessage) {
	a.deliver(ctx, &Envelope{Type: TypePartialUpdate, Extension: msg})
}

// SyncState posts the snapshot; a failure is returned to the provider.
func (a *Adapter) SyncState(ctx context.Context, state *adapter.ProviderState) error {
	if err := a.post(ctx, &Envelope{Type: TypeState, State: state}); err != nil {
		return fmt.Errorf("failed to post state to panel: %w", err)
	}
	return nil
}

func (a *Adapter) NotifyStateChange(ctx context.Context, changeType string, data any) {
	a.deliver(ctx, &Envelope{Type: TypeStateChanged, ChangeType: changeType, Data: data})
}

func (a *Adapter) Reset() {
	a.deliver(context.Background(), &Envelope{Type: TypeReset})
}

// Dispose stops delivery. Later posts fail with ErrPanelClosed.
func (a *Adapter) Dispose(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disposed = true
	return nil
}

// ChannelWebview is a Webview backed by a buffered channel. PostMessage fails
// instead of blocking when the buffer is full.
type ChannelWebview struct {
	messages chan *Envelope
}

func NewChannelWebview(size int) *ChannelWebview {
	return &ChannelWebview{messages: make(chan *Envelope, size)}
}

func (w *ChannelWebview) Messages() <-chan *Envelope {
	return w.messages
}

func (w *ChannelWebview) PostMessage(ctx context.Context, msg *Envelope) error {
	select {
	case w.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("panel queue full")
	}
}
