package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sakamotopaya/code-agent-sub007/adapter/sse"
	"github.com/sakamotopaya/code-agent-sub007/core"
	"github.com/sakamotopaya/code-agent-sub007/scenario"
	"github.com/sakamotopaya/code-agent-sub007/server/transport"
	"github.com/sakamotopaya/code-agent-sub007/server/validators"
	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"github.com/sakamotopaya/code-agent-sub007/store"
	"go.uber.org/zap"
)

// ServerBuilder assembles the job API: streams, jobs, auth and routes.
type ServerBuilder struct {
	ctx        context.Context
	logger     *zap.Logger
	cfg        config.IConfig
	listenAddr string
	mux        *http.ServeMux

	streams    *sse.Manager
	jobs       *JobManager
	store      store.Store
	ownsStore  bool
	factory    core.TaskFactory
	auth       transport.AuthenticationManager
	validators []validators.Validator
	maxBody    int64
	jobOpts    []JobManagerOption
}

// NewServerBuilder applies options and wires every component. Routes are
// registered on the returned builder's Handler.
func NewServerBuilder(ctx context.Context, logger *zap.Logger, cfg config.IConfig, options ...ServerOption) (*ServerBuilder, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	listenAddr, err := cfg.ListenAddr()
	if err != nil {
		return nil, fmt.Errorf("failed to get listen address: %w", err)
	}

	b := &ServerBuilder{
		ctx:        ctx,
		logger:     logger,
		cfg:        cfg,
		listenAddr: listenAddr,
		mux:        http.NewServeMux(),
		maxBody:    validators.DefaultMaxBodySize,
	}
	logger.Info("Applying server configuration options...")
	for _, option := range options {
		if err := option(b); err != nil {
			return nil, fmt.Errorf("failed to apply server option: %w", err)
		}
	}

	if b.factory == nil {
		b.factory = scenario.NewFactory()
	}
	if b.auth == nil {
		b.auth = transport.NewAuthenticator(cfg, logger)
	}
	if b.validators == nil {
		rps, rpm, err := cfg.Throttling()
		if err != nil {
			return nil, fmt.Errorf("failed to get throttling settings: %w", err)
		}
		b.validators = validators.CreateDefaultValidators(rps, rpm)
	}
	if b.store == nil {
		st, err := store.New(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		b.store = st
		b.ownsStore = true
	}

	keepAlive, err := cfg.StreamKeepAlive()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream keepalive: %w", err)
	}
	idle, err := cfg.StreamIdleTimeout()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream idle timeout: %w", err)
	}
	b.streams = sse.NewManager(logger, sse.WithKeepAlive(keepAlive), sse.WithIdleTimeout(idle))

	b.jobs, err = NewJobManager(logger, cfg, b.streams, b.factory, b.store, b.jobOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create job manager: %w", err)
	}

	b.registerRoutes()
	return b, nil
}

func (b *ServerBuilder) Handler() http.Handler { return b.mux }
func (b *ServerBuilder) Jobs() *JobManager     { return b.jobs }
func (b *ServerBuilder) Streams() *sse.Manager { return b.streams }
func (b *ServerBuilder) ListenAddr() string    { return b.listenAddr }

// Run drives stream keepalives and pending job expiry until ctx is done.
func (b *ServerBuilder) Run(ctx context.Context) {
	go b.streams.Run(ctx)
	go b.jobs.Run(ctx)
}

// Shutdown disposes all jobs, closes the remaining streams and releases the
// store when the builder opened it.
func (b *ServerBuilder) Shutdown(ctx context.Context) error {
	err := b.jobs.Shutdown(ctx)
	b.streams.CloseAllStreams()
	if b.ownsStore {
		if cerr := b.store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close store: %w", cerr))
		}
	}
	return err
}
