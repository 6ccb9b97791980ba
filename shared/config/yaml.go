package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var _ IConfig = (*YamlConfig)(nil)

// YamlConfig implements IConfig with YAML file-based storage
type YamlConfig struct {
	mu                sync.RWMutex
	configPath        string
	logger            *zap.Logger
	serverAddress     string
	serverName        string
	serverVersion     string
	logLevel          string
	authorizationType AuthorizationType
	userKeyHashes     map[string]string // keyHash -> userID (from yaml)
	apiConfiguration  *APIConfiguration
	streamKeepAlive   time.Duration
	streamIdleTimeout time.Duration
	throttlingRPS     int
	throttlingRPM     int
	storageBackend    string
	storageDSN        string
	storageDir        string

	// SSL Fields
	sslEnabled      bool
	sslMode         string
	sslCertFile     string
	sslKeyFile      string
	sslAcmeDomains  []string
	sslAcmeEmail    string
	sslAcmeCacheDir string

	reloadHooks []func()
}

// YAML configuration structure matching the required format
type yamlConfig struct {
	Server struct {
		Address       string `yaml:"address"`
		Name          string `yaml:"name"`
		Version       string `yaml:"version"`
		LogLevel      string `yaml:"log_level"`
		Authorization string `yaml:"authorization"` // "users_only" or "none"
		SSL           struct {
			Enabled      bool     `yaml:"enabled"`
			Mode         string   `yaml:"mode"`
			CertFile     string   `yaml:"cert_file"`
			KeyFile      string   `yaml:"key_file"`
			AcmeDomains  []string `yaml:"acme_domains"`
			AcmeEmail    string   `yaml:"acme_email"`
			AcmeCacheDir string   `yaml:"acme_cache_dir"`
		} `yaml:"ssl"`
		Stream struct {
			KeepAlive   string `yaml:"keepalive"`
			IdleTimeout string `yaml:"idle_timeout"`
		} `yaml:"stream"`
		Throttling struct {
			RPS int `yaml:"rps"`
			RPM int `yaml:"rpm"`
		} `yaml:"throttling"`
	} `yaml:"server"`

	API *APIConfiguration `yaml:"api"` // Use pointer to make the section optional

	Storage struct {
		Backend string `yaml:"backend"`
		DSN     string `yaml:"dsn"`
		Dir     string `yaml:"dir"`
	} `yaml:"storage"`

	Users map[string]struct {
		Keys []string `yaml:"keys"` // Store hashes directly
	} `yaml:"users"`
}

// NewYamlConfig creates a new YAML-based configuration
func NewYamlConfig(configPath string, logger *zap.Logger) (*YamlConfig, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	config := &YamlConfig{
		configPath:        configPath,
		logger:            logger.Named("config"),
		userKeyHashes:     make(map[string]string),
		authorizationType: AuthorizedUsersOnly, // Default
		sslMode:           "manual",
		sslAcmeCacheDir:   "./.autocert-cache",
	}

	if err := config.Update(); err != nil {
		return nil, err
	}
	return config, nil
}

// Update reloads configuration from the YAML file
func (c *YamlConfig) Update() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("Updating configuration from YAML file", zap.String("path", c.configPath))

	data, err := os.ReadFile(c.configPath)
	if err != nil {
		c.logger.Error("Failed to read config file", zap.Error(err))
		return err
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		c.logger.Error("Failed to parse YAML", zap.Error(err))
		return err
	}

	keepAlive, err := parseDuration(yamlCfg.Server.Stream.KeepAlive, 15*time.Second)
	if err != nil {
		return fmt.Errorf("server.stream.keepalive: %w", err)
	}
	idleTimeout, err := parseDuration(yamlCfg.Server.Stream.IdleTimeout, 30*time.Minute)
	if err != nil {
		return fmt.Errorf("server.stream.idle_timeout: %w", err)
	}

	// --- Process Server Section ---
	c.serverAddress = yamlCfg.Server.Address
	c.serverName = yamlCfg.Server.Name
	c.serverVersion = yamlCfg.Server.Version
	c.logLevel = yamlCfg.Server.LogLevel
	switch strings.ToLower(yamlCfg.Server.Authorization) {
	case "none":
		c.authorizationType = NotAuthorizedEverywhere
	default:
		c.authorizationType = AuthorizedUsersOnly
	}
	c.streamKeepAlive = keepAlive
	c.streamIdleTimeout = idleTimeout
	c.throttlingRPS = yamlCfg.Server.Throttling.RPS
	c.throttlingRPM = yamlCfg.Server.Throttling.RPM

	// --- Process SSL Section ---
	c.sslEnabled = yamlCfg.Server.SSL.Enabled
	c.sslMode = strings.ToLower(yamlCfg.Server.SSL.Mode)
	if c.sslMode != "acme" {
		c.sslMode = "manual"
	}
	c.sslCertFile = yamlCfg.Server.SSL.CertFile
	c.sslKeyFile = yamlCfg.Server.SSL.KeyFile
	c.sslAcmeDomains = yamlCfg.Server.SSL.AcmeDomains
	c.sslAcmeEmail = yamlCfg.Server.SSL.AcmeEmail
	c.sslAcmeCacheDir = yamlCfg.Server.SSL.AcmeCacheDir
	if c.sslAcmeCacheDir == "" {
		c.sslAcmeCacheDir = "./.autocert-cache"
	}

	c.apiConfiguration = yamlCfg.API

	// --- Process Storage Section ---
	switch strings.ToLower(yamlCfg.Storage.Backend) {
	case StorageFile:
		c.storageBackend = StorageFile
	case StoragePostgres:
		c.storageBackend = StoragePostgres
	default:
		c.storageBackend = StorageMemory
	}
	c.storageDSN = yamlCfg.Storage.DSN
	c.storageDir = yamlCfg.Storage.Dir

	// --- Process Users Section ---
	newUserKeyHashes := make(map[string]string)
	for userID, user := range yamlCfg.Users {
		for _, keyHash := range user.Keys { // Assume keys in YAML are already hashes
			newUserKeyHashes[keyHash] = userID
		}
	}
	c.userKeyHashes = newUserKeyHashes

	return nil
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}

// OnReload registers fn to run after every successful reload triggered by Watch.
func (c *YamlConfig) OnReload(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadHooks = append(c.reloadHooks, fn)
}

// Watch reloads the configuration whenever the file changes, until ctx is done.
// The parent directory is watched because editors usually replace the file.
func (c *YamlConfig) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	dir := filepath.Dir(c.configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(c.configPath)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := c.Update(); err != nil {
					c.logger.Warn("Config reload failed, keeping previous values", zap.Error(err))
					continue
				}
				c.logger.Info("Configuration reloaded", zap.String("path", c.configPath))
				c.mu.RLock()
				hooks := append([]func(){}, c.reloadHooks...)
				c.mu.RUnlock()
				for _, hook := range hooks {
					hook()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Error("Config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// --- IConfig Implementation ---

func (c *YamlConfig) Close() error { return nil }
func (c *YamlConfig) ListenAddr() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverAddress, nil
}
func (c *YamlConfig) AuthorizationType() (AuthorizationType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authorizationType, nil
}
func (c *YamlConfig) ServerName() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, nil
}
func (c *YamlConfig) ServerVersion() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverVersion, nil
}
func (c *YamlConfig) LogLevel() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel, nil
}

func (c *YamlConfig) GetUserIDByKeyHash(keyHash string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if keyHash == "" {
		return "", nil
	}
	userID, exists := c.userKeyHashes[keyHash]
	if !exists {
		return "", ErrNotFound
	}
	return userID, nil
}

func (c *YamlConfig) APIConfiguration() (*APIConfiguration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.apiConfiguration == nil {
		return nil, nil
	}
	apiCopy := *c.apiConfiguration
	return &apiCopy, nil
}

func (c *YamlConfig) StreamKeepAlive() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamKeepAlive, nil
}
func (c *YamlConfig) StreamIdleTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamIdleTimeout, nil
}
func (c *YamlConfig) Throttling() (int, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.throttlingRPS, c.throttlingRPM, nil
}

func (c *YamlConfig) StorageBackend() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storageBackend, nil
}
func (c *YamlConfig) StorageDSN() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storageDSN, nil
}
func (c *YamlConfig) StorageDir() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storageDir, nil
}

func (c *YamlConfig) Status(ctx context.Context) error {
	// Check if config file exists and is readable
	if _, err := os.Stat(c.configPath); err != nil {
		c.logger.Error("YAML config file status check failed", zap.String("path", c.configPath), zap.Error(err))
		return fmt.Errorf("config file error: %w", err)
	}
	return nil
}

// --- SSL Methods ---
func (c *YamlConfig) SSLEnabled() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslEnabled, nil
}
func (c *YamlConfig) SSLMode() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslMode, nil
}
func (c *YamlConfig) SSLCertFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslCertFile, nil
}
func (c *YamlConfig) SSLKeyFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslKeyFile, nil
}
func (c *YamlConfig) SSLAcmeDomains() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	domainsCopy := make([]string, len(c.sslAcmeDomains))
	copy(domainsCopy, c.sslAcmeDomains)
	return domainsCopy, nil
}
func (c *YamlConfig) SSLAcmeEmail() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslAcmeEmail, nil
}
func (c *YamlConfig) SSLAcmeCacheDir() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslAcmeCacheDir, nil
}
