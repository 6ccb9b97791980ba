package config

import (
	"context"
	"errors"
	"sync"
	"time"
)

var _ IConfig = (*InternalConfig)(nil)
var ErrNotFound = errors.New("not found")

// InternalConfig implements IConfig with in-memory storage
type InternalConfig struct {
	mu                     sync.RWMutex
	ServerAddress          string
	ServerNameValue        string
	ServerVersionValue     string
	AuthorizationTypeValue AuthorizationType
	LogLevelValue          string
	UserKeyHashes          map[string]string // keyHash -> userID
	APIConfigurationValue  *APIConfiguration
	StreamKeepAliveValue   time.Duration
	StreamIdleTimeoutValue time.Duration
	ThrottlingRPSValue     int
	ThrottlingRPMValue     int
	StorageBackendValue    string
	StorageDSNValue        string
	StorageDirValue        string

	SSLEnabledValue      bool
	SSLModeValue         string
	SSLCertFileValue     string
	SSLKeyFileValue      string
	SSLAcmeDomainsValue  []string
	SSLAcmeEmailValue    string
	SSLAcmeCacheDirValue string
}

// NewInternalConfig creates a new in-memory configuration
func NewInternalConfig() *InternalConfig {
	return &InternalConfig{
		ServerAddress:          ":8080",
		ServerNameValue:        "Unknown",
		ServerVersionValue:     "0.0.0",
		LogLevelValue:          "info",
		UserKeyHashes:          make(map[string]string),
		StreamKeepAliveValue:   15 * time.Second,
		StreamIdleTimeoutValue: 30 * time.Minute,
		StorageBackendValue:    StorageMemory,
		SSLModeValue:           "manual",
		SSLAcmeCacheDirValue:   "./.autocert-cache",
	}
}

func (c *InternalConfig) ListenAddr() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerAddress, nil
}

func (c *InternalConfig) SetListenAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerAddress = addr
}

func (c *InternalConfig) AuthorizationType() (AuthorizationType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AuthorizationTypeValue, nil
}

func (c *InternalConfig) ServerName() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerNameValue, nil
}

func (c *InternalConfig) ServerVersion() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerVersionValue, nil
}

// LogLevel returns the configured log level
func (c *InternalConfig) LogLevel() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LogLevelValue, nil
}

func (c *InternalConfig) GetUserIDByKeyHash(keyHash string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if keyHash == "" {
		return "", nil
	}
	userID, exists := c.UserKeyHashes[keyHash]
	if !exists {
		return "", ErrNotFound
	}
	return userID, nil
}

// AddUserKey registers a plaintext API key for userID.
func (c *InternalConfig) AddUserKey(userID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UserKeyHashes[HashAPIKey(key)] = userID
}

func (c *InternalConfig) APIConfiguration() (*APIConfiguration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.APIConfigurationValue == nil {
		return nil, nil
	}
	apiCopy := *c.APIConfigurationValue
	return &apiCopy, nil
}

func (c *InternalConfig) SetAPIConfiguration(api *APIConfiguration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.APIConfigurationValue = api
}

func (c *InternalConfig) StreamKeepAlive() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StreamKeepAliveValue, nil
}

func (c *InternalConfig) StreamIdleTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StreamIdleTimeoutValue, nil
}

func (c *InternalConfig) Throttling() (int, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ThrottlingRPSValue, c.ThrottlingRPMValue, nil
}

func (c *InternalConfig) StorageBackend() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StorageBackendValue, nil
}

func (c *InternalConfig) StorageDSN() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StorageDSNValue, nil
}

func (c *InternalConfig) StorageDir() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StorageDirValue, nil
}

// --- SSL Methods ---
func (c *InternalConfig) SSLEnabled() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLEnabledValue, nil
}
func (c *InternalConfig) SSLMode() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLModeValue, nil
}
func (c *InternalConfig) SSLCertFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLCertFileValue, nil
}
func (c *InternalConfig) SSLKeyFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLKeyFileValue, nil
}
func (c *InternalConfig) SSLAcmeDomains() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	domainsCopy := make([]string, len(c.SSLAcmeDomainsValue))
	copy(domainsCopy, c.SSLAcmeDomainsValue)
	return domainsCopy, nil
}
func (c *InternalConfig) SSLAcmeEmail() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLAcmeEmailValue, nil
}
func (c *InternalConfig) SSLAcmeCacheDir() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLAcmeCacheDirValue, nil
}

func (c *InternalConfig) Close() error {
	return nil
}

func (c *InternalConfig) Status(ctx context.Context) error {
	return nil
}
