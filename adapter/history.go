package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// UpsertHistory returns a new list with item inserted or replacing the entry with
// the same id. The newest entry (by TS) comes first. Last writer wins.
func UpsertHistory(list []HistoryItem, item HistoryItem) []HistoryItem {
	out := make([]HistoryItem, 0, len(list)+1)
	replaced := false
	for _, existing := range list {
		if existing.ID == item.ID {
			if !replaced {
				out = append(out, item)
				replaced = true
			}
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS > out[j].TS })
	return out
}

// PersistentStore implements the persistence half of IOutputAdapter on top of a
// Persistence. Adapters embed it.
type PersistentStore struct {
	Persistence Persistence
}

func (p PersistentStore) UpdateTaskHistory(ctx context.Context, item HistoryItem) ([]HistoryItem, error) {
	if p.Persistence == nil {
		return nil, fmt.Errorf("no persistence configured")
	}
	if item.ID == "" {
		return nil, fmt.Errorf("history item has no id")
	}
	return p.Persistence.UpsertTaskHistory(ctx, item)
}

func (p PersistentStore) UpdatePersistentData(ctx context.Context, key string, data any) error {
	if p.Persistence == nil {
		return fmt.Errorf("no persistence configured")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return p.Persistence.SetData(ctx, key, raw)
}

func (p PersistentStore) GetPersistentData(ctx context.Context, key string) (json.RawMessage, error) {
	if p.Persistence == nil {
		return nil, nil
	}
	if key == TaskHistoryKey {
		history, err := p.Persistence.TaskHistory(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(history)
	}
	return p.Persistence.Data(ctx, key)
}
