package extra_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sakamotopaya/code-agent-sub007/server/extra"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

type brokenConfig struct {
	*config.InternalConfig
}

func (brokenConfig) Status(context.Context) error { return errors.New("down") }

func TestStatusHandler(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.ServerVersionValue = "1.2.3"
	h := extra.StatusHandler(cfg, zaptest.NewLogger(t), fixedCount(2), fixedCount(1))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp extra.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, extra.StatusResponse{Config: "ok", Version: "1.2.3", Jobs: 2, Streams: 1}, resp)
}

func TestStatusHandler_ConfigError(t *testing.T) {
	h := extra.StatusHandler(brokenConfig{config.NewInternalConfig()}, zaptest.NewLogger(t), nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"config":"error"`)
}
