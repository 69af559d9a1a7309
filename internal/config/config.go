// ABOUTME: Configuration loading and parsing for stacker-plane
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete stacker-plane configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Vault    VaultConfig    `yaml:"vault"`
	Auth     AuthConfig     `yaml:"auth"`
	Commands CommandsConfig `yaml:"commands"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration. Agent and API traffic get
// separate connection pools so a flood of long-polling agents cannot starve
// operator requests.
type DatabaseConfig struct {
	Path       string `yaml:"path"`
	AgentConns int    `yaml:"agent_conns"`
	APIConns   int    `yaml:"api_conns"`
}

// VaultConfig holds secret store configuration. When disabled, tokens are
// kept in an in-memory store; suitable only for single-node dev setups.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Mount   string `yaml:"mount"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	TokenCacheTTL    time.Duration `yaml:"-"`
	TokenCacheTTLRaw string        `yaml:"token_cache_ttl"`
}

// CommandsConfig holds command delivery and lifecycle configuration
type CommandsConfig struct {
	// DefaultWait and MaxWait bound the long-poll duration; requests asking
	// for more than MaxWait are clamped, not rejected.
	DefaultWait    time.Duration `yaml:"-"`
	MaxWait        time.Duration `yaml:"-"`
	DefaultWaitRaw string        `yaml:"default_wait"`
	MaxWaitRaw     string        `yaml:"max_wait"`

	// ReconcileInterval controls how often stuck commands are reaped.
	ReconcileInterval    time.Duration `yaml:"-"`
	ReconcileIntervalRaw string        `yaml:"reconcile_interval"`
}

// AgentsConfig holds agent liveness configuration
type AgentsConfig struct {
	// OfflineAfter is how long an agent may go without polling before it is
	// marked offline.
	OfflineAfter    time.Duration `yaml:"-"`
	OfflineAfterRaw string        `yaml:"offline_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding config values are absent.
const (
	DefaultAgentConns        = 8
	DefaultAPIConns          = 4
	DefaultWait              = 30 * time.Second
	DefaultMaxWait           = 120 * time.Second
	DefaultReconcileInterval = 30 * time.Second
	DefaultOfflineAfter      = 5 * time.Minute
	DefaultTokenCacheTTL     = time.Minute
	DefaultVaultTimeout      = 5 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.AgentConns <= 0 {
		c.Database.AgentConns = DefaultAgentConns
	}
	if c.Database.APIConns <= 0 {
		c.Database.APIConns = DefaultAPIConns
	}
	if c.Commands.DefaultWait <= 0 {
		c.Commands.DefaultWait = DefaultWait
	}
	if c.Commands.MaxWait <= 0 {
		c.Commands.MaxWait = DefaultMaxWait
	}
	if c.Commands.ReconcileInterval <= 0 {
		c.Commands.ReconcileInterval = DefaultReconcileInterval
	}
	if c.Agents.OfflineAfter <= 0 {
		c.Agents.OfflineAfter = DefaultOfflineAfter
	}
	if c.Auth.TokenCacheTTL <= 0 {
		c.Auth.TokenCacheTTL = DefaultTokenCacheTTL
	}
	if c.Vault.Timeout <= 0 {
		c.Vault.Timeout = DefaultVaultTimeout
	}
	if c.Vault.Mount == "" {
		c.Vault.Mount = "secret"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Vault.Enabled {
		if c.Vault.Address == "" {
			return fmt.Errorf("vault.address is required when vault is enabled")
		}
		if c.Vault.Token == "" {
			return fmt.Errorf("vault.token is required when vault is enabled")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Commands.DefaultWait > c.Commands.MaxWait {
		return fmt.Errorf("commands.default_wait must not exceed commands.max_wait")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"vault.timeout", cfg.Vault.TimeoutRaw, &cfg.Vault.Timeout},
		{"auth.token_cache_ttl", cfg.Auth.TokenCacheTTLRaw, &cfg.Auth.TokenCacheTTL},
		{"commands.default_wait", cfg.Commands.DefaultWaitRaw, &cfg.Commands.DefaultWait},
		{"commands.max_wait", cfg.Commands.MaxWaitRaw, &cfg.Commands.MaxWait},
		{"commands.reconcile_interval", cfg.Commands.ReconcileIntervalRaw, &cfg.Commands.ReconcileInterval},
		{"agents.offline_after", cfg.Agents.OfflineAfterRaw, &cfg.Agents.OfflineAfter},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
