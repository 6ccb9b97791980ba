package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AuthorizationType represents different authorization strategies
type AuthorizationType int

const (
	// AuthorizedUsersOnly requires a valid API key for every request
	AuthorizedUsersOnly AuthorizationType = iota
	// NotAuthorizedEverywhere allows all requests without authentication
	NotAuthorizedEverywhere
)

func (at AuthorizationType) String() string {
	names := [...]string{"AuthorizedUsersOnly", "NotAuthorizedEverywhere"}
	if at < 0 || int(at) >= len(names) {
		return "Unknown"
	}
	return names[at]
}

// Storage backends understood by StorageBackend.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// APIConfiguration is the model provider configuration a task needs to run.
type APIConfiguration struct {
	Provider string `yaml:"provider" json:"apiProvider"`
	ModelID  string `yaml:"model" json:"apiModelId,omitempty"`
	APIKey   string `yaml:"api_key" json:"-"`
	BaseURL  string `yaml:"base_url" json:"baseUrl,omitempty"`
}

// Valid reports whether the configuration names a provider.
func (a *APIConfiguration) Valid() bool {
	return a != nil && a.Provider != ""
}

type IConfig interface {
	// Core Server Settings
	ListenAddr() (string, error)
	ServerName() (string, error)
	ServerVersion() (string, error)
	AuthorizationType() (AuthorizationType, error)
	LogLevel() (string, error)

	// User & Auth Settings
	GetUserIDByKeyHash(keyHash string) (userID string, err error)

	// Task Settings
	APIConfiguration() (*APIConfiguration, error) // nil when nothing is configured

	// Streaming & Throttling
	StreamKeepAlive() (time.Duration, error)
	StreamIdleTimeout() (time.Duration, error)
	Throttling() (rps int, rpm int, err error)

	// Persistence
	StorageBackend() (string, error) // "memory", "file" or "postgres"
	StorageDSN() (string, error)     // postgres connection string
	StorageDir() (string, error)     // directory for the file backend

	// SSL Settings
	SSLEnabled() (bool, error)
	SSLMode() (string, error)          // Returns "manual" or "acme"
	SSLCertFile() (string, error)      // Path to certificate file (manual mode)
	SSLKeyFile() (string, error)       // Path to private key file (manual mode)
	SSLAcmeDomains() ([]string, error) // List of domains for ACME
	SSLAcmeEmail() (string, error)     // Contact email for ACME
	SSLAcmeCacheDir() (string, error)  // Directory to cache ACME certificates

	// Lifecycle & Status
	Status(ctx context.Context) error
	Close() error
}

// HashAPIKey converts a plaintext API key to its SHA-256 hash representation
func HashAPIKey(key string) string {
	if key == "" {
		return ""
	}
	hasher := sha256.New()
	hasher.Write([]byte(key))
	return hex.EncodeToString(hasher.Sum(nil))
}
