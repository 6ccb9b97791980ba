// Package adapter defines the host-neutral delivery contract between the task
// orchestration core and whichever frontend is attached (GUI panel, terminal,
// HTTP streaming client).
//
// The orchestrator only ever holds an IOutputAdapter. Optional behaviour is
// exposed through small capability interfaces (ChunkStreamer, Disposer,
// TokenUsageReporter) that callers discover with Capabilities, the same way
// net/http callers discover http.Flusher.
//
// Implementations own their transport failures: a delivery method must log and
// swallow errors rather than return or panic into the calling task.
package adapter

import (
	"context"
	"encoding/json"
	"strings"
)

// IOutputAdapter is implemented by every frontend hosting the core.
type IOutputAdapter interface {
	// OutputContent delivers a complete message.
	OutputContent(ctx context.Context, msg *Message)
	// OutputPartialContent delivers the latest state of an in-progress message.
	// Each call fully replaces the previous partial for the same message; receivers
	// never concatenate.
	OutputPartialContent(ctx context.Context, msg *Message)

	// SendMessage and SendPartialUpdate carry non-content signals (UI control, status).
	SendMessage(ctx context.Context, msg *ExtensionMessage)
	SendPartialUpdate(ctx context.Context, msg *ExtensionMessage)

	// SyncState pushes a full snapshot. NotifyStateChange is an incremental notice that
	// adapters may drop silently.
	SyncState(ctx context.Context, state *ProviderState) error
	NotifyStateChange(ctx context.Context, changeType string, data any)

	// UpdateTaskHistory inserts or replaces item by id and returns the full list.
	UpdateTaskHistory(ctx context.Context, item HistoryItem) ([]HistoryItem, error)
	UpdatePersistentData(ctx context.Context, key string, data any) error
	// GetPersistentData returns nil when key holds no data.
	GetPersistentData(ctx context.Context, key string) (json.RawMessage, error)

	// Reset clears adapter-local buffering between tasks.
	Reset()
}

// ChunkStreamer is implemented by adapters that want raw model output as it arrives.
type ChunkStreamer interface {
	StreamChunk(ctx context.Context, chunk string)
}

// Disposer is implemented by adapters holding resources. Dispose must be safe to
// call more than once.
type Disposer interface {
	Dispose(ctx context.Context) error
}

// TokenUsageReporter is implemented by adapters that forward token/cost accounting.
// raw is whatever the task has (a map, a struct or nil); the adapter validates it.
type TokenUsageReporter interface {
	EmitTokenUsage(raw any)
}

// Capability is a set of optional adapter features.
type Capability uint8

const (
	CapabilityStreamChunk Capability = 1 << iota
	CapabilityDispose
	CapabilityTokenUsage
)

// Has reports whether every feature in f is present in c.
func (c Capability) Has(f Capability) bool {
	return c&f == f
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var names []string
	if c.Has(CapabilityStreamChunk) {
		names = append(names, "streamChunk")
	}
	if c.Has(CapabilityDispose) {
		names = append(names, "dispose")
	}
	if c.Has(CapabilityTokenUsage) {
		names = append(names, "tokenUsage")
	}
	return strings.Join(names, "|")
}

// Capabilities returns the optional features a implements.
func Capabilities(a IOutputAdapter) Capability {
	var c Capability
	if a == nil {
		return c
	}
	if _, ok := a.(ChunkStreamer); ok {
		c |= CapabilityStreamChunk
	}
	if _, ok := a.(Disposer); ok {
		c |= CapabilityDispose
	}
	if _, ok := a.(TokenUsageReporter); ok {
		c |= CapabilityTokenUsage
	}
	return c
}

// Supports is shorthand for Capabilities(a).Has(f).
func Supports(a IOutputAdapter, f Capability) bool {
	return Capabilities(a).Has(f)
}

// StreamChunk forwards chunk when a supports it and reports whether it did.
func StreamChunk(ctx context.Context, a IOutputAdapter, chunk string) bool {
	s, ok := a.(ChunkStreamer)
	if !ok {
		return false
	}
	s.StreamChunk(ctx, chunk)
	return true
}

// ReportTokenUsage forwards raw when a supports token usage and reports whether it did.
func ReportTokenUsage(a IOutputAdapter, raw any) bool {
	r, ok := a.(TokenUsageReporter)
	if !ok {
		return false
	}
	r.EmitTokenUsage(raw)
	return true
}

// GetPersistentData decodes the value stored under key into T.
// ok is false when nothing is stored.
func GetPersistentData[T any](ctx context.Context, a IOutputAdapter, key string) (value T, ok bool, err error) {
	raw, err := a.GetPersistentData(ctx, key)
	if err != nil || len(raw) == 0 {
		return value, false, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}
