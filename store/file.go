package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var _ Store = (*FileStore)(nil)

const stateFileName = "state.yaml"

// FileStore is a MemoryStore flushed to a YAML file after every write. It serves
// single-user hosts such as the terminal CLI.
type FileStore struct {
	mem    *MemoryStore
	path   string
	logger *zap.Logger
	fileMu sync.Mutex
}

type fileState struct {
	GlobalState map[string]any        `yaml:"global_state,omitempty"`
	Data        map[string]any        `yaml:"data,omitempty"`
	TaskHistory []adapter.HistoryItem `yaml:"task_history,omitempty"`
}

// NewFileStore opens (or creates) the state file inside dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil, errors.New("file store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory '%s': %w", dir, err)
	}
	s := &FileStore{
		mem:    NewMemoryStore(),
		path:   filepath.Join(dir, stateFileName),
		logger: logger.Named("file-store"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("No state file yet", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var fs fileState
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("failed to parse state file '%s': %w", s.path, err)
	}

	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	s.mem.history = fs.TaskHistory
	for key, v := range fs.GlobalState {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("global state %q: %w", key, err)
		}
		s.mem.state[key] = raw
	}
	for key, v := range fs.Data {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("data %q: %w", key, err)
		}
		s.mem.data[key] = raw
	}
	return nil
}

// flush rewrites the state file atomically (temp file + rename).
func (s *FileStore) flush() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	history, data, state := s.mem.snapshot()
	fs := fileState{TaskHistory: history}
	var err error
	if fs.GlobalState, err = decodeState(state); err != nil {
		return err
	}
	if fs.Data, err = decodeState(data); err != nil {
		return err
	}

	out, err := yaml.Marshal(&fs)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *FileStore) UpsertTaskHistory(ctx context.Context, item adapter.HistoryItem) ([]adapter.HistoryItem, error) {
	history, err := s.mem.UpsertTaskHistory(ctx, item)
	if err != nil {
		return nil, err
	}
	if err := s.flush(); err != nil {
		return nil, err
	}
	return history, nil
}

func (s *FileStore) TaskHistory(ctx context.Context) ([]adapter.HistoryItem, error) {
	return s.mem.TaskHistory(ctx)
}

func (s *FileStore) SetData(ctx context.Context, key string, raw json.RawMessage) error {
	if err := s.mem.SetData(ctx, key, raw); err != nil {
		return err
	}
	return s.flush()
}

func (s *FileStore) Data(ctx context.Context, key string) (json.RawMessage, error) {
	return s.mem.Data(ctx, key)
}

func (s *FileStore) GetGlobalState(ctx context.Context, key string) (any, error) {
	return s.mem.GetGlobalState(ctx, key)
}

func (s *FileStore) UpdateGlobalState(ctx context.Context, key string, value any) error {
	if err := s.mem.UpdateGlobalState(ctx, key, value); err != nil {
		return err
	}
	return s.flush()
}

func (s *FileStore) GlobalState(ctx context.Context) (map[string]any, error) {
	return s.mem.GlobalState(ctx)
}

func (s *FileStore) Close() error { return nil }
