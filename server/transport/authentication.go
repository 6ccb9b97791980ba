package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"go.uber.org/zap"
)

const (
	// AuthKeyQueryParam carries the API key for clients that cannot set headers.
	AuthKeyQueryParam = "key"
)

var ErrUnauthorized = errors.New("unauthorized")

// AuthenticationManager decides who is calling.
type AuthenticationManager interface {
	// Authenticate returns the caller's user id. An empty id with a nil error
	// means anonymous access is allowed.
	Authenticate(authKey string, remoteAddr string) (userID string, err error)
}

// DefaultAuthManager resolves hashed API keys through the config.
type DefaultAuthManager struct {
	logger *zap.Logger
	config config.IConfig
}

var _ AuthenticationManager = (*DefaultAuthManager)(nil)

func NewAuthenticator(cfg config.IConfig, logger *zap.Logger) *DefaultAuthManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultAuthManager{
		config: cfg,
		logger: logger.Named("auth"),
	}
}

func (a *DefaultAuthManager) Authenticate(authKey string, remoteAddr string) (string, error) {
	authType, err := a.config.AuthorizationType()
	if err != nil {
		return "", err
	}

	var userID string
	if authKey != "" {
		keyHash := config.HashAPIKey(authKey)
		userID, err = a.config.GetUserIDByKeyHash(keyHash)
		switch {
		case err != nil && !errors.Is(err, config.ErrNotFound):
			a.logger.Error("Error checking key hash", zap.String("keyHash", keyHash), zap.Error(err))
			userID = ""
		case err == nil && userID != "":
			a.logger.Debug("Authenticated via API key", zap.String("userID", userID))
		default:
			userID = ""
		}
	}

	if userID == "" && authType == config.AuthorizedUsersOnly {
		a.logger.Warn("Authorization required but no valid key found",
			zap.String("authType", authType.String()), zap.String("remoteAddr", remoteAddr))
		return "", ErrUnauthorized
	}
	return userID, nil
}

// ExtractAuthKey reads the API key from a Bearer header or the key query parameter.
func ExtractAuthKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get(AuthKeyQueryParam)
}

// RemoteHost strips the port from r.RemoteAddr.
func RemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type userIDKey struct{}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID returns the id stored by WithUserID, or "" for anonymous callers.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// RequireAuth rejects unauthenticated requests with 401 and passes the user id
// to next through the request context.
func RequireAuth(auth AuthenticationManager, logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := auth.Authenticate(ExtractAuthKey(r), RemoteHost(r))
		if err != nil {
			logger.Debug("Rejected request", zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
