package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process memory. Values are held JSON encoded so
// reads return the same shapes as the durable backends.
type MemoryStore struct {
	mu      sync.RWMutex
	history []adapter.HistoryItem
	data    map[string]json.RawMessage
	state   map[string]json.RawMessage
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]json.RawMessage),
		state: make(map[string]json.RawMessage),
	}
}

func (s *MemoryStore) UpsertTaskHistory(ctx context.Context, item adapter.HistoryItem) ([]adapter.HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = adapter.UpsertHistory(s.history, item)
	return append([]adapter.HistoryItem(nil), s.history...), nil
}

func (s *MemoryStore) TaskHistory(ctx context.Context) ([]adapter.HistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]adapter.HistoryItem{}, s.history...), nil
}

func (s *MemoryStore) SetData(ctx context.Context, key string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append(json.RawMessage(nil), raw...)
	return nil
}

func (s *MemoryStore) Data(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), raw...), nil
}

func (s *MemoryStore) GetGlobalState(ctx context.Context, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return decodeValue(s.state[key])
}

func (s *MemoryStore) UpdateGlobalState(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode global state %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = raw
	return nil
}

func (s *MemoryStore) GlobalState(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return decodeState(s.state)
}

func (s *MemoryStore) Close() error { return nil }

// snapshot copies the raw contents, used by FileStore to persist.
func (s *MemoryStore) snapshot() ([]adapter.HistoryItem, map[string]json.RawMessage, map[string]json.RawMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := append([]adapter.HistoryItem{}, s.history...)
	data := make(map[string]json.RawMessage, len(s.data))
	for k, v := range s.data {
		data[k] = v
	}
	state := make(map[string]json.RawMessage, len(s.state))
	for k, v := range s.state {
		state[k] = v
	}
	return history, data, state
}
