// Package server exposes Providers over HTTP: every job gets its own Provider
// and SSE output adapter, and its events are streamed to the attached client.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/server/transport"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"go.uber.org/zap"
)

// Start builds the job API and serves it until ctx is cancelled. The returned
// channel reports listener failures after startup and is closed when the
// server has stopped.
func Start(ctx context.Context, logger *zap.Logger, cfg config.IConfig, options ...ServerOption) (<-chan error, error) {
	builder, err := NewServerBuilder(ctx, logger, cfg, options...)
	if err != nil {
		return nil, err
	}

	serverInstance, listenerErrChan, err := transport.StartHTTPServer(ctx, logger, cfg, builder.Handler(), builder.listenAddr)
	if err != nil {
		if serr := builder.Shutdown(context.Background()); serr != nil {
			logger.Warn("Cleanup after failed start", zap.Error(serr))
		}
		return nil, fmt.Errorf("failed to start HTTP server: %w", err)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	builder.Run(runCtx)

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		defer stopRun()

		var listenErr error
		select {
		case err, ok := <-listenerErrChan:
			if ok && err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Server listener failed", zap.Error(err))
				listenErr = err
			}
		case <-ctx.Done():
			logger.Info("Shutdown signal received, stopping server...")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := builder.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Job shutdown incomplete", zap.Error(err))
		}
		transport.ShutdownHTTPServer(shutdownCtx, logger, serverInstance)
		logger.Info("Server stopped.")
		if listenErr != nil {
			errChan <- listenErr
		}
	}()

	return errChan, nil
}
