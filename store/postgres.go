package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"go.uber.org/zap"
)

var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS task_history (
	id   TEXT PRIMARY KEY,
	ts   BIGINT NOT NULL,
	item JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS global_state (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS persistent_data (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore keeps state in PostgreSQL so several API server processes can share
// task history. Upserts are last-writer-wins.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore connects, pings and creates the tables if missing.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dsn == "" {
		return nil, errors.New("postgres store requires a connection string")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return &PostgresStore{db: db, logger: logger.Named("postgres-store")}, nil
}

func (s *PostgresStore) UpsertTaskHistory(ctx context.Context, item adapter.HistoryItem) ([]adapter.HistoryItem, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode history item: %w", err)
	}
	query := `INSERT INTO task_history (id, ts, item) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET ts = EXCLUDED.ts, item = EXCLUDED.item`
	if _, err := s.db.ExecContext(ctx, query, item.ID, item.TS, raw); err != nil {
		return nil, fmt.Errorf("upsert history item: %w", err)
	}
	return s.TaskHistory(ctx)
}

func (s *PostgresStore) TaskHistory(ctx context.Context) ([]adapter.HistoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item FROM task_history ORDER BY ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	history := []adapter.HistoryItem{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan history item: %w", err)
		}
		var item adapter.HistoryItem
		if err := json.Unmarshal(raw, &item); err != nil {
			s.logger.Warn("Skipping undecodable history item", zap.Error(err))
			continue
		}
		history = append(history, item)
	}
	return history, rows.Err()
}

func (s *PostgresStore) SetData(ctx context.Context, key string, raw json.RawMessage) error {
	return s.upsertKV(ctx, "persistent_data", key, raw)
}

func (s *PostgresStore) Data(ctx context.Context, key string) (json.RawMessage, error) {
	return s.getKV(ctx, "persistent_data", key)
}

func (s *PostgresStore) GetGlobalState(ctx context.Context, key string) (any, error) {
	raw, err := s.getKV(ctx, "global_state", key)
	if err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

func (s *PostgresStore) UpdateGlobalState(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode global state %q: %w", key, err)
	}
	return s.upsertKV(ctx, "global_state", key, raw)
}

func (s *PostgresStore) GlobalState(ctx context.Context) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM global_state`)
	if err != nil {
		return nil, fmt.Errorf("query global state: %w", err)
	}
	defer rows.Close()

	state := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan global state: %w", err)
		}
		state[key] = raw
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return decodeState(state)
}

// upsertKV and getKV only ever receive the two table names above.
func (s *PostgresStore) upsertKV(ctx context.Context, table, key string, raw json.RawMessage) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, table)
	if _, err := s.db.ExecContext(ctx, query, key, []byte(raw)); err != nil {
		return fmt.Errorf("upsert %s %q: %w", table, key, err)
	}
	return nil
}

func (s *PostgresStore) getKV(ctx context.Context, table, key string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, table), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %q: %w", table, key, err)
	}
	return raw, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
