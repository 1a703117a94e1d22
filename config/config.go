package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"yieldkit/adapters/redis"
	"yieldkit/adapters/sqlx"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration
type Config struct {
	// Environment and profile settings
	Environment Environment `json:"environment" mapstructure:"environment" env:"YIELD_ENV"`
	Profile     string      `json:"profile" mapstructure:"profile" env:"YIELD_PROFILE"`

	Server        ServerConfig        `json:"server" mapstructure:"server"`
	Storage       StorageConfig       `json:"storage" mapstructure:"storage"`
	Logging       LoggingConfig       `json:"logging" mapstructure:"logging"`
	Metrics       MetricsConfig       `json:"metrics" mapstructure:"metrics"`
	Security      SecurityConfig      `json:"security" mapstructure:"security"`
	Rewards       RewardsConfig       `json:"rewards" mapstructure:"rewards"`
	Events        EventsConfig        `json:"events" mapstructure:"events"`
	Notifications NotificationsConfig `json:"notifications" mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" mapstructure:"address" env:"YIELD_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" mapstructure:"path_prefix" env:"YIELD_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" mapstructure:"cors_origin" env:"YIELD_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" mapstructure:"read_timeout" env:"YIELD_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" mapstructure:"write_timeout" env:"YIELD_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" mapstructure:"idle_timeout" env:"YIELD_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" mapstructure:"read_header_timeout" env:"YIELD_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" env:"YIELD_SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig holds storage adapter configuration
type StorageConfig struct {
	Adapter string       `json:"adapter" mapstructure:"adapter" env:"YIELD_STORAGE_ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty" mapstructure:"redis"`
	SQL     sqlx.Config  `json:"sql,omitempty" mapstructure:"sql"`
	File    FileConfig   `json:"file,omitempty" mapstructure:"file"`
	// Migrate creates the SQL schema on startup.
	Migrate bool `json:"migrate" mapstructure:"migrate" env:"YIELD_STORAGE_MIGRATE"`
}

// FileConfig holds JSON file storage configuration
type FileConfig struct {
	Path string `json:"path" mapstructure:"path" env:"YIELD_STORAGE_FILE_PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" mapstructure:"level" env:"YIELD_LOG_LEVEL"`
	Format     string            `json:"format" mapstructure:"format" env:"YIELD_LOG_FORMAT"`
	Output     string            `json:"output" mapstructure:"output" env:"YIELD_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" mapstructure:"attributes"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled" env:"YIELD_METRICS_ENABLED"`
	Address string `json:"address" mapstructure:"address" env:"YIELD_METRICS_ADDR"`
	Path    string `json:"path" mapstructure:"path" env:"YIELD_METRICS_PATH"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" mapstructure:"enable_rate_limit" env:"YIELD_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty" mapstructure:"rate_limit"`
	APIKeys         []string        `json:"api_keys,omitempty" mapstructure:"api_keys" env:"YIELD_SECURITY_API_KEYS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute" env:"YIELD_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int           `json:"burst_size" mapstructure:"burst_size" env:"YIELD_SECURITY_RATE_LIMIT_BURST"`
	CleanupInterval   time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval" env:"YIELD_SECURITY_RATE_LIMIT_CLEANUP"`
}

// RewardsConfig holds the tier table source and commission settings
type RewardsConfig struct {
	// TiersFile is a YAML tier table; empty selects the built-in bird levels.
	TiersFile         string        `json:"tiers_file" mapstructure:"tiers_file" env:"YIELD_REWARDS_TIERS_FILE"`
	CommissionPoints  int64         `json:"commission_points" mapstructure:"commission_points" env:"YIELD_REWARDS_COMMISSION_POINTS"`
	ReconcileInterval time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval" env:"YIELD_REWARDS_RECONCILE_INTERVAL"`
	// ReconcileMaxAttempts caps write attempts per failed commission before
	// it is abandoned; ReconcileMaxBackoff caps the delay between them.
	ReconcileMaxAttempts int           `json:"reconcile_max_attempts" mapstructure:"reconcile_max_attempts" env:"YIELD_REWARDS_RECONCILE_MAX_ATTEMPTS"`
	ReconcileMaxBackoff  time.Duration `json:"reconcile_max_backoff" mapstructure:"reconcile_max_backoff" env:"YIELD_REWARDS_RECONCILE_MAX_BACKOFF"`
	AsyncEvents          bool          `json:"async_events" mapstructure:"async_events" env:"YIELD_REWARDS_ASYNC_EVENTS"`
}

// EventsConfig holds inbound event bus configuration
type EventsConfig struct {
	NATS NATSConfig `json:"nats" mapstructure:"nats"`
}

// NATSConfig configures the points_earned consumer
type NATSConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled" env:"YIELD_NATS_ENABLED"`
	URL     string `json:"url" mapstructure:"url" env:"YIELD_NATS_URL"`
	Subject string `json:"subject" mapstructure:"subject" env:"YIELD_NATS_SUBJECT"`
	Queue   string `json:"queue" mapstructure:"queue" env:"YIELD_NATS_QUEUE"`
}

// NotificationsConfig holds outbound webhook configuration
type NotificationsConfig struct {
	Webhooks   []string      `json:"webhooks" mapstructure:"webhooks" env:"YIELD_WEBHOOKS"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout" env:"YIELD_WEBHOOK_TIMEOUT"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries" env:"YIELD_NOTIFICATIONS_MAX_RETRIES"`
	QueueSize  int           `json:"queue_size" mapstructure:"queue_size" env:"YIELD_NOTIFICATIONS_QUEUE_SIZE"`
}

// Load loads configuration from .env, the YIELD_PROFILE preset and environment
// variables, and validates it
func Load() (*Config, error) {
	return load("")
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".json", ".yaml", ".yml":
	default:
		return errors.New("config file must have .json, .yaml or .yml extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file. Environment
// variables override file values.
func LoadFromFile(path string) (*Config, error) {
	// Validate the path for security
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}
	return load(filepath.Clean(path))
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
			File: FileConfig{
				Path: "./data/yieldkit.json",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			APIKeys: []string{},
		},
		Rewards: RewardsConfig{
			CommissionPoints:     10,
			ReconcileInterval:    30 * time.Second,
			ReconcileMaxAttempts: 10,
			ReconcileMaxBackoff:  5 * time.Minute,
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Subject: "rewards.points_earned",
				Queue:   "yieldkit",
			},
		},
		Notifications: NotificationsConfig{
			Webhooks:   []string{},
			Timeout:    5 * time.Second,
			MaxRetries: 3,
			QueueSize:  256,
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}

	sections := []struct {
		name string
		err  error
	}{
		{"server", c.Server.Validate()},
		{"storage", c.Storage.Validate()},
		{"logging", c.Logging.Validate()},
		{"metrics", c.Metrics.Validate()},
		{"security", c.Security.Validate()},
		{"rewards", c.Rewards.Validate()},
		{"events", c.Events.Validate()},
		{"notifications", c.Notifications.Validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			errs = append(errs, fmt.Sprintf("%s config: %v", s.name, s.err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	// Create a copy for redaction
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = "[REDACTED]"
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "[REDACTED]"
	}
	if len(cfg.Security.APIKeys) > 0 {
		cfg.Security.APIKeys = []string{"[REDACTED]"}
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
