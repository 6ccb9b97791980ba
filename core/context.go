package core

import "context"

// IProviderContext is the host's persistent settings store. store.Store
// satisfies it.
type IProviderContext interface {
	// GetGlobalState returns nil when key is unset.
	GetGlobalState(ctx context.Context, key string) (any, error)
	UpdateGlobalState(ctx context.Context, key string, value any) error
	GlobalState(ctx context.Context) (map[string]any, error)
}

// Global state keys read by the provider.
const (
	StateKeyMode                    = "mode"
	StateKeyCustomInstructions      = "customInstructions"
	StateKeyConsecutiveMistakeLimit = "consecutiveMistakeLimit"
	StateKeyEnableCheckpoints       = "enableCheckpoints"
	StateKeyAPIConfiguration        = "apiConfiguration"
)

const (
	DefaultMode                    = "code"
	DefaultConsecutiveMistakeLimit = 3
)
