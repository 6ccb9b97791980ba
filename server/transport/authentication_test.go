package transport_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sakamotopaya/code-agent-sub007/server/transport"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAuthenticate(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.AddUserKey("alice", "alice-key")
	auth := transport.NewAuthenticator(cfg, zaptest.NewLogger(t))

	userID, err := auth.Authenticate("alice-key", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	_, err = auth.Authenticate("wrong", "127.0.0.1")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)

	_, err = auth.Authenticate("", "127.0.0.1")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestAuthenticate_AnonymousAllowed(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.AuthorizationTypeValue = config.NotAuthorizedEverywhere
	cfg.AddUserKey("alice", "alice-key")
	auth := transport.NewAuthenticator(cfg, zaptest.NewLogger(t))

	userID, err := auth.Authenticate("", "127.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, userID)

	userID, err = auth.Authenticate("wrong", "127.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, userID)

	userID, err = auth.Authenticate("alice-key", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestExtractAuthKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	r.Header.Set("Authorization", "Bearer  header-key ")
	assert.Equal(t, "header-key", transport.ExtractAuthKey(r))

	r = httptest.NewRequest(http.MethodGet, "/api/v1/jobs?key=query-key", nil)
	assert.Equal(t, "query-key", transport.ExtractAuthKey(r))

	r = httptest.NewRequest(http.MethodGet, "/api/v1/jobs?key=query-key", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "query-key", transport.ExtractAuthKey(r), "non-bearer schemes fall back to the query")
}

func TestRequireAuth(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.AddUserKey("alice", "alice-key")
	auth := transport.NewAuthenticator(cfg, zaptest.NewLogger(t))

	var seen string
	h := transport.RequireAuth(auth, zaptest.NewLogger(t), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = transport.UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?key=alice-key", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", seen)
}

func TestRemoteHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", transport.RemoteHost(r))
	r.RemoteAddr = "weird"
	assert.Equal(t, "weird", transport.RemoteHost(r))
}
