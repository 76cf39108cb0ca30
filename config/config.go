// Package config provides the typed configuration for the control plane.
// It replaces ad-hoc key/value settings with one struct loaded once per
// process: defaults first, then an optional YAML file, then environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
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

// Config holds configuration for all control plane services
type Config struct {
	// Core paths
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`

	// Logging
	LogLevel     string `yaml:"log_level"`
	ColorEnabled bool   `yaml:"color_enabled"`

	// HTTP server
	HTTPHost string `yaml:"http_host"`
	HTTPPort int    `yaml:"http_port"`

	// Image registry. Required for build scheduling; a trigger without it
	// is a configuration error.
	RegistryHost string `yaml:"registry_host"`

	// Agent protocol
	ReplayWindow    time.Duration `yaml:"replay_window"`
	LongPollMax     time.Duration `yaml:"long_poll_max"`
	LongPollTick    time.Duration `yaml:"long_poll_tick"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	OfflineAfter    time.Duration `yaml:"offline_after"`
	WireGuardListen int           `yaml:"wireguard_listen_port"`

	// Work queue
	WorkItemTimeout  time.Duration `yaml:"work_item_timeout"`
	WorkItemAttempts int           `yaml:"work_item_max_attempts"`

	// Builds
	BuildTimeout       time.Duration `yaml:"build_timeout"`
	BuildServers       []string      `yaml:"build_servers"`       // allow-list of server names; empty = all
	PlacementExcluded  []string      `yaml:"placement_excluded"`  // server names never auto-placed
	DefaultPlatforms   []string      `yaml:"default_platforms"`   // fallback target platforms
	GithubCloneBaseURL string        `yaml:"github_clone_base_url"`

	// Workflows
	WorkflowWaitTimeout time.Duration `yaml:"workflow_wait_timeout"`
	HealthWaitTimeout   time.Duration `yaml:"health_wait_timeout"`

	// Secrets
	EncryptionKey  string `yaml:"encryption_key"`
	OperatorSecret string `yaml:"operator_secret"`

	// Environment provider for testing
	env EnvProvider
}

// NewConfig creates a configuration from defaults, the data directory's
// .env file, and environment variables.
func NewConfig() (*Config, error) {
	return newConfigWithEnv(&DefaultEnvProvider{})
}

// NewConfigWithEnv creates a configuration with a custom environment
// provider (for testing).
func NewConfigWithEnv(env EnvProvider) (*Config, error) {
	return newConfigWithEnv(env)
}

// NewConfigFromFile creates a configuration from a YAML file, with
// environment variables still taking precedence.
func NewConfigFromFile(path string) (*Config, error) {
	c := &Config{env: &DefaultEnvProvider{}}
	c.setDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	c.loadEnvFile()
	c.loadFromEnv()
	c.derivePaths()

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func newConfigWithEnv(env EnvProvider) (*Config, error) {
	c := &Config{env: env}
	c.setDefaults()
	c.loadEnvFile()
	c.loadFromEnv()
	c.derivePaths()

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func (c *Config) setDefaults() {
	homeDir, _ := (&DefaultEnvProvider{}).UserHomeDir()
	if c.env != nil {
		homeDir, _ = c.env.UserHomeDir()
	}
	c.DataDir = filepath.Join(homeDir, ".cloud-control")
	c.LogLevel = "info"
	c.ColorEnabled = true
	c.HTTPHost = "127.0.0.1"
	c.HTTPPort = 3000
	c.ReplayWindow = 5 * time.Minute
	c.LongPollMax = 30 * time.Second
	c.LongPollTick = 2 * time.Second
	c.TokenTTL = 24 * time.Hour
	c.OfflineAfter = 2 * time.Minute
	c.WireGuardListen = 51820
	c.WorkItemTimeout = 5 * time.Minute
	c.WorkItemAttempts = 3
	c.BuildTimeout = 30 * time.Minute
	c.DefaultPlatforms = []string{"linux/amd64", "linux/arm64"}
	c.WorkflowWaitTimeout = 30 * time.Minute
	c.HealthWaitTimeout = 10 * time.Minute
	// No default encryption key or operator secret - they must be provided
}

// loadEnvFile loads the data directory's .env file into the process
// environment without overriding variables that are already set.
func (c *Config) loadEnvFile() {
	envFile := filepath.Join(c.DataDir, ".env")
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	_ = godotenv.Load(envFile)
}

func (c *Config) loadFromEnv() {
	if v := c.env.Getenv("CLOUD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := c.env.Getenv("CLOUD_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := c.env.Getenv("CLOUD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := c.env.Getenv("CLOUD_COLOR_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.ColorEnabled = enabled
		}
	}
	if v := c.env.Getenv("CLOUD_HTTP_HOST"); v != "" {
		c.HTTPHost = v
	}
	if v := c.env.Getenv("CLOUD_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := c.env.Getenv("CLOUD_REGISTRY_HOST"); v != "" {
		c.RegistryHost = v
	}
	if v := c.env.Getenv("CLOUD_REPLAY_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReplayWindow = d
		}
	}
	if v := c.env.Getenv("CLOUD_WORK_ITEM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WorkItemTimeout = d
		}
	}
	if v := c.env.Getenv("CLOUD_WORK_ITEM_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkItemAttempts = n
		}
	}
	if v := c.env.Getenv("CLOUD_BUILD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.BuildTimeout = d
		}
	}
	if v := c.env.Getenv("CLOUD_BUILD_SERVERS"); v != "" {
		c.BuildServers = splitList(v)
	}
	if v := c.env.Getenv("CLOUD_PLACEMENT_EXCLUDED"); v != "" {
		c.PlacementExcluded = splitList(v)
	}
	if v := c.env.Getenv("CLOUD_DEFAULT_PLATFORMS"); v != "" {
		c.DefaultPlatforms = splitList(v)
	}
	if v := c.env.Getenv("CLOUD_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
	if v := c.env.Getenv("CLOUD_OPERATOR_SECRET"); v != "" {
		c.OperatorSecret = v
	}
}

func (c *Config) derivePaths() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "control.db")
	}
}

func (c *Config) validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warning": true, "error": true, "silent": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warning, error, or silent)", c.LogLevel)
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d (must be 1-65535)", c.HTTPPort)
	}

	if c.WorkItemTimeout <= 0 {
		return fmt.Errorf("work item timeout must be positive, got: %v", c.WorkItemTimeout)
	}
	if c.WorkItemAttempts < 1 {
		return fmt.Errorf("work item max attempts must be at least 1, got: %d", c.WorkItemAttempts)
	}
	if c.LongPollMax > 30*time.Second {
		return fmt.Errorf("long poll cap must not exceed 30s, got: %v", c.LongPollMax)
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf(
			"encryption key is required - set CLOUD_ENCRYPTION_KEY or add it to the .env file in the data directory (%s)",
			c.DataDir,
		)
	}

	return nil
}

// BuildServerAllowed reports whether a server name passes the build
// allow-list. An empty allow-list permits every server.
func (c *Config) BuildServerAllowed(name string) bool {
	if len(c.BuildServers) == 0 {
		return true
	}
	for _, allowed := range c.BuildServers {
		if allowed == name {
			return true
		}
	}
	return false
}

// PlacementAllowed reports whether a server name is eligible for
// auto-placement.
func (c *Config) PlacementAllowed(name string) bool {
	for _, excluded := range c.PlacementExcluded {
		if excluded == name {
			return false
		}
	}
	return true
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
