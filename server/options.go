package server

import (
	"errors"

	"github.com/sakamotopaya/code-agent-sub007/core"
	"github.com/sakamotopaya/code-agent-sub007/server/transport"
	"github.com/sakamotopaya/code-agent-sub007/server/validators"
	"github.com/sakamotopaya/code-agent-sub007/store"
	"go.uber.org/zap"
)

// ServerOption configures the ServerBuilder.
type ServerOption func(*ServerBuilder) error

// WithListenAddr overrides the listen address from the config.
func WithListenAddr(addr string) ServerOption {
	return func(b *ServerBuilder) error {
		// empty keeps the config default
		if addr != "" {
			b.listenAddr = addr
			b.logger.Info("Overriding listen address", zap.String("newAddress", addr))
		}
		return nil
	}
}

// WithTaskFactory sets how jobs build their tasks. Defaults to the scripted scenario task.
func WithTaskFactory(factory core.TaskFactory) ServerOption {
	return func(b *ServerBuilder) error {
		if factory == nil {
			return errors.New("task factory cannot be nil")
		}
		b.factory = factory
		return nil
	}
}

// WithStore shares st between all jobs. The caller keeps ownership of st.
func WithStore(st store.Store) ServerOption {
	return func(b *ServerBuilder) error {
		if st == nil {
			return errors.New("store cannot be nil")
		}
		b.store = st
		return nil
	}
}

// WithAuthenticator replaces the config-backed API key authenticator.
func WithAuthenticator(auth transport.AuthenticationManager) ServerOption {
	return func(b *ServerBuilder) error {
		if auth == nil {
			return errors.New("authenticator cannot be nil")
		}
		b.auth = auth
		return nil
	}
}

// WithValidators replaces the default request validators.
func WithValidators(vs ...validators.Validator) ServerOption {
	return func(b *ServerBuilder) error {
		b.validators = append([]validators.Validator{}, vs...)
		return nil
	}
}

// WithMaxBodySize caps the job request body.
func WithMaxBodySize(n int64) ServerOption {
	return func(b *ServerBuilder) error {
		if n <= 0 {
			return errors.New("max body size must be positive")
		}
		b.maxBody = n
		return nil
	}
}

// WithJobOptions passes options to the JobManager.
func WithJobOptions(opts ...JobManagerOption) ServerOption {
	return func(b *ServerBuilder) error {
		b.jobOpts = append(b.jobOpts, opts...)
		return nil
	}
}
