package transport_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/server/transport"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func createDummyMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestStartHTTPServer_HTTPMode(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.ServerAddress = "localhost:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, errChan, err := transport.StartHTTPServer(ctx, zap.NewNop(), cfg, createDummyMux(), "")
	require.NoError(t, err)
	require.NotNil(t, server)
	require.NotNil(t, errChan)
	defer server.Shutdown(context.Background())

	assert.True(t, strings.HasPrefix(server.Addr, "localhost:"))

	select {
	case err := <-errChan:
		t.Fatalf("Listener unexpectedly failed immediately: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartHTTPServer_OverrideAddress(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.ServerAddress = "localhost:1"

	server, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), cfg, createDummyMux(), "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Shutdown(context.Background())
	assert.Equal(t, "127.0.0.1:0", server.Addr)
}

func TestStartHTTPServer_ManualTLSMode(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewInternalConfig()
	cfg.ServerAddress = "localhost:0"
	cfg.SSLEnabledValue = true
	cfg.SSLModeValue = "manual"
	cfg.SSLCertFileValue = dir + "/cert.pem"
	cfg.SSLKeyFileValue = dir + "/key.pem"

	_, listenerErrChan, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), cfg, createDummyMux(), "")
	require.NoError(t, err, "setup only checks that the paths are configured")

	select {
	case err := <-listenerErrChan:
		require.Error(t, err, "listener should fail when cert/key files don't exist")
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not report the missing certificate")
	}
}

func TestStartHTTPServer_ManualTLSMissingPaths(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.SSLEnabledValue = true
	cfg.SSLModeValue = "manual"

	_, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), cfg, createDummyMux(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certificate file")
}

func TestStartHTTPServer_ACMERequiresDomains(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.SSLEnabledValue = true
	cfg.SSLModeValue = "acme"

	_, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), cfg, createDummyMux(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "domain")
}

func TestStartHTTPServer_MissingParameters(t *testing.T) {
	t.Run("NilLogger", func(t *testing.T) {
		_, _, err := transport.StartHTTPServer(context.Background(), nil, config.NewInternalConfig(), createDummyMux(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger cannot be nil")
	})

	t.Run("NilConfig", func(t *testing.T) {
		_, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), nil, createDummyMux(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config cannot be nil")
	})

	t.Run("NilHandler", func(t *testing.T) {
		_, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), config.NewInternalConfig(), nil, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "http handler")
	})
}

func TestShutdownHTTPServer(t *testing.T) {
	srv := &http.Server{Addr: "localhost:0"}
	go func() {
		_ = srv.ListenAndServe()
	}()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	transport.ShutdownHTTPServer(ctx, zap.NewNop(), srv)

	// nil server is tolerated
	transport.ShutdownHTTPServer(ctx, zap.NewNop(), nil)
}
