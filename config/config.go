// Package config loads hoist runtime settings and the target inventory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/compose-spec/compose-go/v2/dotenv"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/logging"
)

const (
	WorkspaceDir  = "workspaces"
	SecretsDir    = "secrets"
	InventoryFile = "targets.yaml"
	DatabaseFile  = "hoist.db"
	DefaultLock   = "/var/lock/hoist"
)

// EnvProvider abstracts environment variable access for testing
type EnvProvider interface {
	Getenv(key string) string
	UserHomeDir() (string, error)
}

// DefaultEnvProvider implements EnvProvider using real OS functions
type DefaultEnvProvider struct{}

func (p *DefaultEnvProvider) Getenv(key string) string {
	return os.Getenv(key)
}

func (p *DefaultEnvProvider) UserHomeDir() (string, error) {
	return os.UserHomeDir()
}

// GetDefaultDataDir returns $XDG_DATA_HOME/hoist or ~/.local/share/hoist.
func GetDefaultDataDir() string {
	return defaultDataDir(&DefaultEnvProvider{})
}

func defaultDataDir(env EnvProvider) string {
	if xdg := env.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "hoist")
	}
	homeDir, _ := env.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "hoist")
}

// Config holds the runtime settings shared by every command.
type Config struct {
	// Paths
	DataDir       string
	DatabasePath  string
	WorkspaceDir  string
	SecretsDir    string
	InventoryPath string

	// Logging and output
	LogLevel     string
	LogFormat    string
	ColorEnabled bool

	// Remote
	LockRoot       string
	LockTTL        time.Duration
	SSHDialTimeout time.Duration

	// Pipeline
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	HealthSettle   time.Duration
	SmokeWindow    time.Duration
	MaxConcurrency int

	// Webhook server and build queue
	HTTPHost      string
	HTTPPort      int
	WebhookSecret string
	GitHubToken   string
	Debounce      time.Duration
	GitTimeout    time.Duration

	// EncryptionKey decrypts fernet: values in environment files.
	EncryptionKey string

	env EnvProvider
}

// Overrides carries CLI flag values that take precedence over the
// environment. Zero values leave the setting alone.
type Overrides struct {
	DataDir       string
	InventoryPath string
	LockRoot      string
}

// Load builds the configuration from defaults, the environment and overrides.
func Load(o Overrides) (*Config, error) {
	return LoadWithEnv(&DefaultEnvProvider{}, o)
}

// LoadWithEnv is Load with a custom environment provider (for testing).
func LoadWithEnv(env EnvProvider, o Overrides) (*Config, error) {
	c := &Config{env: env}

	c.setDefaults()
	c.loadFromEnv()

	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	c.derivePaths()
	if o.InventoryPath != "" {
		c.InventoryPath = o.InventoryPath
	}
	if o.LockRoot != "" {
		c.LockRoot = o.LockRoot
	}

	c.readDotEnv()

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfig, err)
	}
	return c, nil
}

func (c *Config) setDefaults() {
	c.DataDir = defaultDataDir(c.env)
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.ColorEnabled = true
	c.LockRoot = DefaultLock
	c.LockTTL = 30 * time.Minute
	c.SSHDialTimeout = 15 * time.Second
	c.HealthInterval = domain.DefaultHealthInterval
	c.HealthTimeout = domain.DefaultHealthTimeout
	c.HealthSettle = domain.DefaultHealthSettle
	c.SmokeWindow = 3 * time.Second
	c.MaxConcurrency = 4
	c.HTTPHost = "0.0.0.0"
	c.HTTPPort = 7777
	c.Debounce = 10 * time.Second
	c.GitTimeout = 5 * time.Minute
}

func (c *Config) loadFromEnv() {
	str := func(key string, dst *string) {
		if v := c.env.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := c.env.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	num := func(key string, dst *int) {
		if v := c.env.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("HOIST_DATA_DIR", &c.DataDir)
	str("HOIST_DATABASE_PATH", &c.DatabasePath)
	str("HOIST_INVENTORY", &c.InventoryPath)
	str("HOIST_SECRETS_DIR", &c.SecretsDir)
	str("HOIST_LOG_LEVEL", &c.LogLevel)
	str("HOIST_LOG_FORMAT", &c.LogFormat)
	if v := c.env.Getenv("HOIST_COLOR_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.ColorEnabled = enabled
		}
	}
	if c.env.Getenv("NO_COLOR") != "" {
		c.ColorEnabled = false
	}
	str("HOIST_LOCK_ROOT", &c.LockRoot)
	dur("HOIST_LOCK_TTL", &c.LockTTL)
	dur("HOIST_SSH_TIMEOUT", &c.SSHDialTimeout)
	dur("HOIST_HEALTH_INTERVAL", &c.HealthInterval)
	dur("HOIST_HEALTH_TIMEOUT", &c.HealthTimeout)
	dur("HOIST_HEALTH_SETTLE", &c.HealthSettle)
	dur("HOIST_SMOKE_WINDOW", &c.SmokeWindow)
	num("HOIST_MAX_CONCURRENCY", &c.MaxConcurrency)
	str("HOIST_HTTP_HOST", &c.HTTPHost)
	num("HOIST_HTTP_PORT", &c.HTTPPort)
	str("HOIST_WEBHOOK_SECRET", &c.WebhookSecret)
	str("HOIST_GITHUB_TOKEN", &c.GitHubToken)
	dur("HOIST_DEBOUNCE", &c.Debounce)
	dur("HOIST_GIT_TIMEOUT", &c.GitTimeout)
	str("HOIST_ENCRYPTION_KEY", &c.EncryptionKey)
}

// readDotEnv fills secrets that were not set in the environment from
// <data dir>/.env, if present.
func (c *Config) readDotEnv() {
	vars, err := dotenv.Read(filepath.Join(c.DataDir, ".env"))
	if err != nil {
		return
	}
	if c.EncryptionKey == "" {
		c.EncryptionKey = vars["HOIST_ENCRYPTION_KEY"]
	}
	if c.WebhookSecret == "" {
		c.WebhookSecret = vars["HOIST_WEBHOOK_SECRET"]
	}
	if c.GitHubToken == "" {
		c.GitHubToken = vars["HOIST_GITHUB_TOKEN"]
	}
}

func (c *Config) derivePaths() {
	c.WorkspaceDir = filepath.Join(c.DataDir, WorkspaceDir)
	if c.SecretsDir == "" {
		c.SecretsDir = filepath.Join(c.DataDir, SecretsDir)
	}
	if c.InventoryPath == "" {
		c.InventoryPath = filepath.Join(c.DataDir, InventoryFile)
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, DatabaseFile)
	}
}

func (c *Config) validate() error {
	if !slices.Contains(logging.ValidLogLevels(), c.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if !slices.Contains(logging.ValidLogFormats(), c.LogFormat) {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d (must be 1-65535)", c.HTTPPort)
	}
	if !filepath.IsAbs(c.LockRoot) {
		return fmt.Errorf("lock root must be an absolute path, got: %s", c.LockRoot)
	}
	for name, d := range map[string]time.Duration{
		"lock TTL":        c.LockTTL,
		"SSH timeout":     c.SSHDialTimeout,
		"health interval": c.HealthInterval,
		"health timeout":  c.HealthTimeout,
		"smoke window":    c.SmokeWindow,
		"debounce":        c.Debounce,
		"git timeout":     c.GitTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got: %v", name, d)
		}
	}
	if c.HealthSettle < 0 {
		return fmt.Errorf("health settle must not be negative, got: %v", c.HealthSettle)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be at least 1, got: %d", c.MaxConcurrency)
	}
	return nil
}

// HealthDefaults returns the probe configuration implied by the settings.
func (c *Config) HealthDefaults() domain.HealthConfig {
	return domain.HealthConfig{
		Interval: c.HealthInterval,
		Timeout:  c.HealthTimeout,
		Settle:   c.HealthSettle,
	}
}

// ListenAddr returns host:port for the webhook server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}
