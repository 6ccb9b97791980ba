package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// tlsSetup is the outcome of reading the SSL settings.
type tlsSetup struct {
	enabled  bool
	acme     bool
	certFile string
	keyFile  string
	config   *tls.Config
	// challenge serves ACME HTTP-01 challenges on :80
	challenge http.Handler
}

func configureTLS(logger *zap.Logger, cfg config.IConfig) (*tlsSetup, error) {
	enabled, err := cfg.SSLEnabled()
	if err != nil {
		logger.Warn("Failed to read SSL enabled setting, assuming disabled", zap.Error(err))
		enabled = false
	}
	if !enabled {
		return &tlsSetup{}, nil
	}

	mode, _ := cfg.SSLMode()
	if mode != "acme" {
		certFile, err := cfg.SSLCertFile()
		if err != nil || certFile == "" {
			return nil, fmt.Errorf("manual SSL mode requires a certificate file path (config key 'server.ssl.cert_file'): %w", err)
		}
		keyFile, err := cfg.SSLKeyFile()
		if err != nil || keyFile == "" {
			return nil, fmt.Errorf("manual SSL mode requires a private key file path (config key 'server.ssl.key_file'): %w", err)
		}
		return &tlsSetup{enabled: true, certFile: certFile, keyFile: keyFile}, nil
	}

	domains, err := cfg.SSLAcmeDomains()
	if err != nil || len(domains) == 0 {
		return nil, fmt.Errorf("ACME mode requires at least one domain (config key 'server.ssl.acme_domains'): %w", err)
	}
	email, _ := cfg.SSLAcmeEmail()
	cacheDir, err := cfg.SSLAcmeCacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get ACME cache directory: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create ACME cache directory '%s': %w", cacheDir, err)
	}
	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Email:      email,
		Cache:      autocert.DirCache(cacheDir),
	}
	return &tlsSetup{
		enabled:   true,
		acme:      true,
		config:    certManager.TLSConfig(),
		challenge: certManager.HTTPHandler(nil),
	}, nil
}

func newHTTPServer(ctx context.Context, listenAddr string, handler http.Handler, setup *tlsSetup) *http.Server {
	return &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// no WriteTimeout: job streams stay open for the whole task
		IdleTimeout: 90 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
		TLSConfig:   setup.config,
	}
}

// StartHTTPServer starts the HTTP/HTTPS listener described by cfg. Setup errors
// are returned directly; listener errors after startup arrive on the channel,
// which is closed when the listener exits.
func StartHTTPServer(ctx context.Context, logger *zap.Logger, cfg config.IConfig, handler http.Handler, overwriteListenAddr string) (*http.Server, <-chan error, error) {
	if logger == nil {
		return nil, nil, errors.New("logger cannot be nil")
	}
	if cfg == nil {
		return nil, nil, errors.New("config cannot be nil")
	}
	if handler == nil {
		return nil, nil, errors.New("http handler cannot be nil")
	}

	listenAddr := overwriteListenAddr
	if listenAddr == "" {
		var err error
		if listenAddr, err = cfg.ListenAddr(); err != nil {
			logger.Error("Failed to get listen address from config", zap.Error(err))
			return nil, nil, fmt.Errorf("failed to get listen address: %w", err)
		}
	}

	setup, err := configureTLS(logger, cfg)
	if err != nil {
		return nil, nil, err
	}

	server := newHTTPServer(ctx, listenAddr, handler, setup)

	if setup.challenge != nil {
		go func() {
			challengeServer := &http.Server{Addr: ":80", Handler: setup.challenge, ReadHeaderTimeout: 10 * time.Second}
			logger.Info("Starting ACME HTTP challenge listener", zap.String("addr", ":80"))
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ACME HTTP challenge listener error", zap.Error(err))
			}
		}()
	}

	listenerErrChan := make(chan error, 1)
	go func() {
		defer close(listenerErrChan)
		var err error
		if setup.enabled {
			logger.Info("Starting HTTPS server", zap.String("addr", listenAddr), zap.Bool("isACME", setup.acme))
			err = server.ListenAndServeTLS(setup.certFile, setup.keyFile)
		} else {
			logger.Info("Starting HTTP server", zap.String("addr", listenAddr))
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server listener error", zap.Error(err))
			listenerErrChan <- err
			return
		}
		logger.Info("Server listener stopped gracefully")
	}()

	return server, listenerErrChan, nil
}

// ShutdownHTTPServer attempts a graceful shutdown of server.
func ShutdownHTTPServer(ctx context.Context, logger *zap.Logger, server *http.Server) {
	if server == nil {
		logger.Warn("Shutdown requested but server instance is nil")
		return
	}
	logger.Info("Attempting graceful shutdown of HTTP/S server")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP/S server graceful shutdown failed", zap.Error(err))
		return
	}
	logger.Info("HTTP/S server shut down gracefully")
}
