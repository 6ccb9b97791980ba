package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/sakamotopaya/code-agent-sub007/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s store.Store) {
	ctx := context.Background()

	t.Run("HistoryUpsertIsLastWriterWins", func(t *testing.T) {
		_, err := s.UpsertTaskHistory(ctx, adapter.HistoryItem{ID: "a", TS: 1, Task: "first"})
		require.NoError(t, err)
		_, err = s.UpsertTaskHistory(ctx, adapter.HistoryItem{ID: "b", TS: 2, Task: "second"})
		require.NoError(t, err)
		history, err := s.UpsertTaskHistory(ctx, adapter.HistoryItem{ID: "a", TS: 3, Task: "first, again"})
		require.NoError(t, err)

		require.Len(t, history, 2)
		assert.Equal(t, "a", history[0].ID, "newest first")
		assert.Equal(t, "first, again", history[0].Task)
		assert.Equal(t, "b", history[1].ID)

		read, err := s.TaskHistory(ctx)
		require.NoError(t, err)
		assert.Equal(t, history, read)
	})

	t.Run("GlobalState", func(t *testing.T) {
		v, err := s.GetGlobalState(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, v)

		require.NoError(t, s.UpdateGlobalState(ctx, "mode", "architect"))
		require.NoError(t, s.UpdateGlobalState(ctx, "consecutiveMistakeLimit", 5))

		v, err = s.GetGlobalState(ctx, "mode")
		require.NoError(t, err)
		assert.Equal(t, "architect", v)

		all, err := s.GlobalState(ctx)
		require.NoError(t, err)
		assert.Equal(t, float64(5), all["consecutiveMistakeLimit"])
	})

	t.Run("PersistentData", func(t *testing.T) {
		raw, err := s.Data(ctx, "nothing")
		require.NoError(t, err)
		assert.Nil(t, raw)

		require.NoError(t, s.SetData(ctx, "panel", json.RawMessage(`{"width":320}`)))
		raw, err = s.Data(ctx, "panel")
		require.NoError(t, err)
		assert.JSONEq(t, `{"width":320}`, string(raw))
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, store.NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	exerciseStore(t, s)

	// A second instance must see everything the first one flushed.
	reopened, err := store.NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	history, err := reopened.TaskHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	mode, err := reopened.GetGlobalState(ctx, "mode")
	require.NoError(t, err)
	assert.Equal(t, "architect", mode)

	raw, err := reopened.Data(ctx, "panel")
	require.NoError(t, err)
	assert.JSONEq(t, `{"width":320}`, string(raw))
}

func TestFileStore_RequiresDir(t *testing.T) {
	_, err := store.NewFileStore("", nil)
	assert.Error(t, err)
}

// postgresDSN returns AGENT_TEST_DATABASE_URL, or starts a throwaway postgres
// container when a container runtime is reachable.
func postgresDSN(t *testing.T) string {
	if dsn := os.Getenv("AGENT_TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "agent",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to stop postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgresql://postgres:password@%s:%s/agent?sslmode=disable", host, port.Port())
}

func TestPostgresStore(t *testing.T) {
	s, err := store.NewPostgresStore(context.Background(), postgresDSN(t), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestNew_SelectsBackend(t *testing.T) {
	cfg := config.NewInternalConfig()
	s, err := store.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)

	cfg.StorageBackendValue = config.StorageFile
	cfg.StorageDirValue = t.TempDir()
	s, err = store.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &store.FileStore{}, s)

	cfg.StorageBackendValue = config.StoragePostgres
	cfg.StorageDSNValue = ""
	_, err = store.New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
