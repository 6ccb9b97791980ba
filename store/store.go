// Package store persists task history, global provider state and host-specific
// key-value data. Every backend satisfies adapter.Persistence (used by output
// adapters) and core.IProviderContext (used by the provider).
//
// Writes are last-writer-wins per key and per history item id. Two providers
// sharing one backend do not coordinate; callers that need stronger guarantees
// must add their own version checks.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"go.uber.org/zap"
)

// Store is the union of everything a backend offers.
type Store interface {
	adapter.Persistence

	// GetGlobalState returns nil when key is unset.
	GetGlobalState(ctx context.Context, key string) (any, error)
	UpdateGlobalState(ctx context.Context, key string, value any) error
	GlobalState(ctx context.Context) (map[string]any, error)

	Close() error
}

// New creates the backend selected by cfg.
func New(ctx context.Context, cfg config.IConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := cfg.StorageBackend()
	if err != nil {
		return nil, fmt.Errorf("failed to get storage backend: %w", err)
	}
	switch backend {
	case config.StorageFile:
		dir, err := cfg.StorageDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get storage dir: %w", err)
		}
		return NewFileStore(dir, logger)
	case config.StoragePostgres:
		dsn, err := cfg.StorageDSN()
		if err != nil {
			return nil, fmt.Errorf("failed to get storage dsn: %w", err)
		}
		return NewPostgresStore(ctx, dsn, logger)
	default:
		return NewMemoryStore(), nil
	}
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeState(state map[string]json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(state))
	for key, raw := range state {
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("global state %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}
