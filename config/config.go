// Package config provides configuration management for UAEF services.
//
// Configuration is loaded from defaults, an optional YAML file, and
// environment variables with the UAEF_ prefix (highest precedence). Nested
// keys use underscores in the environment:
//   - UAEF_DATABASE_URL=postgres://localhost:5432/uaef
//   - UAEF_LEDGER_CHECKPOINT_INTERVAL=100
//   - UAEF_SETTLEMENT_DEFAULT_CURRENCY=USD
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string
	URL string `mapstructure:"url"`

	// PoolSize is the maximum number of idle connections
	PoolSize int `mapstructure:"pool_size"`

	// MaxOverflow is the number of open connections allowed beyond the pool
	MaxOverflow int `mapstructure:"max_overflow"`

	// PoolRecycle is the connection reuse limit in seconds
	PoolRecycle int `mapstructure:"pool_recycle"`
}

// SecurityConfig contains token and encryption settings.
type SecurityConfig struct {
	// JWTSecret is the secret key for signing JWT tokens
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTAlgorithm is the signing algorithm (HS256, HS384, HS512)
	JWTAlgorithm string `mapstructure:"jwt_algorithm"`

	// JWTExpirationHours is the default token lifetime
	JWTExpirationHours int `mapstructure:"jwt_expiration_hours"`

	// EncryptionKey is the secret used to derive the symmetric data key.
	// Must be at least 32 bytes.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// LedgerConfig contains trust ledger settings.
type LedgerConfig struct {
	// HashAlgorithm selects the digest for event hashing (sha256)
	HashAlgorithm string `mapstructure:"hash_algorithm"`

	// RequireSignature enables event signatures for non-repudiation
	RequireSignature bool `mapstructure:"require_signature"`

	// CheckpointInterval is the number of events between block finalizations
	CheckpointInterval int `mapstructure:"checkpoint_interval"`
}

// AgentConfig contains agent dispatch settings.
type AgentConfig struct {
	// AnthropicAPIKey authenticates the Claude adapter
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`

	// DefaultModel is assigned to agents registered without a model
	DefaultModel string `mapstructure:"default_model"`

	// MaxConcurrent bounds parallel agent invocations per process
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// TaskTimeoutSeconds is the deadline applied to adapter invocations
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"`

	// MaxRetries is the task retry limit before the workflow fails
	MaxRetries int `mapstructure:"max_retries"`
}

// SettlementConfig contains settlement engine settings.
type SettlementConfig struct {
	// DefaultCurrency is used for rules created without one
	DefaultCurrency string `mapstructure:"default_currency"`

	// AutoSettle processes approved signals without operator action
	AutoSettle bool `mapstructure:"auto_settle"`

	// BatchSize bounds signal processing batches
	BatchSize int `mapstructure:"batch_size"`
}

// Config is the root configuration for UAEF services.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// LogLevel is the global log level (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level"`

	Database   DatabaseConfig   `mapstructure:"database"`
	Security   SecurityConfig   `mapstructure:"security"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

// Loader provides configuration loading with an environment prefix.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a configuration loader. The prefix is used for
// environment variables (e.g. "UAEF" -> "UAEF_DATABASE_URL").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults installs the standard UAEF defaults.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("environment", "development")
	l.v.SetDefault("log_level", "info")

	l.v.SetDefault("database.url", "postgres://localhost:5432/uaef")
	l.v.SetDefault("database.pool_size", 5)
	l.v.SetDefault("database.max_overflow", 10)
	l.v.SetDefault("database.pool_recycle", 3600)

	l.v.SetDefault("security.jwt_secret", "change-me-in-production")
	l.v.SetDefault("security.jwt_algorithm", "HS256")
	l.v.SetDefault("security.jwt_expiration_hours", 24)
	l.v.SetDefault("security.encryption_key", "change-me-in-production-32bytes!")

	l.v.SetDefault("ledger.hash_algorithm", "sha256")
	l.v.SetDefault("ledger.require_signature", false)
	l.v.SetDefault("ledger.checkpoint_interval", 100)

	l.v.SetDefault("agent.anthropic_api_key", "")
	l.v.SetDefault("agent.default_model", "claude-sonnet-4-20250514")
	l.v.SetDefault("agent.max_concurrent", 10)
	l.v.SetDefault("agent.task_timeout_seconds", 300)
	l.v.SetDefault("agent.max_retries", 3)

	l.v.SetDefault("settlement.default_currency", "USD")
	l.v.SetDefault("settlement.auto_settle", false)
	l.v.SetDefault("settlement.batch_size", 100)
}

// Load reads configuration from the optional file and the environment and
// unmarshals it into target. Environment variables override file values.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		l.v.SetConfigName("uaef")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/uaef")
		if err := l.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the full UAEF configuration with standard defaults and
// validates it.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("UAEF")
	loader.SetDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks invariants the services rely on.
func Validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if len(cfg.Security.EncryptionKey) < 32 {
		return fmt.Errorf("security encryption_key must be at least 32 bytes, got %d", len(cfg.Security.EncryptionKey))
	}
	switch cfg.Security.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported jwt algorithm: %s", cfg.Security.JWTAlgorithm)
	}
	if cfg.Ledger.CheckpointInterval < 1 {
		return fmt.Errorf("ledger checkpoint_interval must be positive")
	}
	if cfg.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent max_retries must not be negative")
	}
	if cfg.Agent.TaskTimeoutSeconds < 1 {
		return fmt.Errorf("agent task_timeout_seconds must be positive")
	}
	return nil
}
