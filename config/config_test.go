package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldkit/core"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	// Test loading default config
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Verify defaults
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, int64(10), cfg.Rewards.CommissionPoints)
	assert.Equal(t, 30*time.Second, cfg.Rewards.ReconcileInterval)
	assert.Equal(t, 10, cfg.Rewards.ReconcileMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Rewards.ReconcileMaxBackoff)
	assert.Equal(t, "rewards.points_earned", cfg.Events.NATS.Subject)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("YIELD_SERVER_ADDR", ":7070")
	t.Setenv("YIELD_STORAGE_ADAPTER", "redis")
	t.Setenv("YIELD_STORAGE_REDIS_ADDR", "cache:6380")
	t.Setenv("YIELD_REWARDS_COMMISSION_POINTS", "25")
	t.Setenv("YIELD_REWARDS_RECONCILE_INTERVAL", "45s")
	t.Setenv("YIELD_REWARDS_RECONCILE_MAX_ATTEMPTS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "redis", cfg.Storage.Adapter)
	assert.Equal(t, "cache:6380", cfg.Storage.Redis.Addr)
	assert.Equal(t, int64(25), cfg.Rewards.CommissionPoints)
	assert.Equal(t, 45*time.Second, cfg.Rewards.ReconcileInterval)
	assert.Equal(t, 4, cfg.Rewards.ReconcileMaxAttempts)
}

func TestLoadProfileFromEnv(t *testing.T) {
	t.Setenv("YIELD_PROFILE", "staging")
	t.Setenv("YIELD_STORAGE_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "redis", cfg.Storage.Adapter)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadUnknownProfile(t *testing.T) {
	t.Setenv("YIELD_PROFILE", "moon")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadInvalidEnvFailsValidation(t *testing.T) {
	t.Setenv("YIELD_REWARDS_COMMISSION_POINTS", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commission_points")
}

func TestLoadFromFile(t *testing.T) {
	path := writeTemp(t, "config.json", `{
		"environment": "testing",
		"server": {
			"address": ":9090"
		},
		"storage": {
			"adapter": "memory"
		}
	}`)

	// Load config from file
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Verify loaded values
	assert.Equal(t, EnvTesting, cfg.Environment)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
	// untouched sections keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
environment: staging
storage:
  adapter: sql
  sql:
    driver: mysql
    dsn: "app@tcp(db:3306)/rewards"
rewards:
  commission_points: 15
  reconcile_interval: 1m
notifications:
  webhooks:
    - https://hooks.example.com/rewards
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "sql", cfg.Storage.Adapter)
	assert.EqualValues(t, "mysql", cfg.Storage.SQL.Driver)
	assert.Equal(t, "app@tcp(db:3306)/rewards", cfg.Storage.SQL.DSN)
	assert.Equal(t, int64(15), cfg.Rewards.CommissionPoints)
	assert.Equal(t, time.Minute, cfg.Rewards.ReconcileInterval)
	assert.Equal(t, []string{"https://hooks.example.com/rewards"}, cfg.Notifications.Webhooks)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeTemp(t, "config.json", `{"server": {"address": ":9090"}}`)
	t.Setenv("YIELD_SERVER_ADDR", ":6060")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.Address)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{
			name:        "valid config",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid environment",
			mutate:      func(c *Config) { c.Environment = "" },
			expectError: true,
		},
		{
			name:        "invalid server timeout",
			mutate:      func(c *Config) { c.Server.ReadTimeout = 0 },
			expectError: true,
		},
		{
			name:        "unknown adapter",
			mutate:      func(c *Config) { c.Storage.Adapter = "etcd" },
			expectError: true,
		},
		{
			name: "sql without dsn",
			mutate: func(c *Config) {
				c.Storage.Adapter = "sql"
				c.Storage.SQL.DSN = ""
			},
			expectError: true,
		},
		{
			name:        "non-positive commission",
			mutate:      func(c *Config) { c.Rewards.CommissionPoints = 0 },
			expectError: true,
		},
		{
			name:        "unbounded commission retries",
			mutate:      func(c *Config) { c.Rewards.ReconcileMaxAttempts = 0 },
			expectError: true,
		},
		{
			name: "nats enabled without subject",
			mutate: func(c *Config) {
				c.Events.NATS.Enabled = true
				c.Events.NATS.Subject = ""
			},
			expectError: true,
		},
		{
			name:        "bad webhook url",
			mutate:      func(c *Config) { c.Notifications.Webhooks = []string{"ftp://nope"} },
			expectError: true,
		},
		{
			name: "rate limit without budget",
			mutate: func(c *Config) {
				c.Security.EnableRateLimit = true
				c.Security.RateLimit.RequestsPerMinute = 0
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProfiles(t *testing.T) {
	tests := []struct {
		name         string
		profileName  string
		expectConfig bool
		environment  Environment
	}{
		{"development", "development", true, EnvDevelopment},
		{"testing", "testing", true, EnvTesting},
		{"staging", "staging", true, EnvStaging},
		{"production", "production", true, EnvProduction},
		{"unknown", "unknown", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadProfile(tt.profileName)
			if tt.expectConfig {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				assert.Equal(t, tt.environment, cfg.Environment)
				assert.Equal(t, tt.profileName, cfg.Profile)
			} else {
				assert.Error(t, err)
				assert.Nil(t, cfg)
			}
		})
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Redis.Password = "hunter2"
	cfg.Security.APIKeys = []string{"k-123"}

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "k-123")
	assert.NotContains(t, out, "postgres://")
	assert.Contains(t, out, "[REDACTED]")
}

func TestValidateConfigPath(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "config.json")
	ymlPath := filepath.Join(dir, "config.yml")
	txtPath := filepath.Join(dir, "config.txt")
	for _, p := range []string{jsonPath, ymlPath, txtPath} {
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o600))
	}

	tests := []struct {
		name        string
		path        string
		expectError bool
	}{
		{"valid json file", jsonPath, false},
		{"valid yml file", ymlPath, false},
		{"empty path", "", true},
		{"path traversal", "../../../etc/passwd", true},
		{"non-config extension", txtPath, true},
		{"nonexistent file", filepath.Join(dir, "nonexistent.json"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfigPath(tt.path)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseTierTable(t *testing.T) {
	table, err := ParseTierTable([]byte(`
tiers:
  - id: 0
    name: Bronze
  - id: 1
    name: Silver
    min_tasks: 3
    min_points: 30
    benefits: ["priority support"]
`))
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())
	assert.Equal(t, "Bronze", table.Floor().Name)
	assert.Equal(t, "Silver", table.Max().Name)
	assert.Equal(t, []string{"priority support"}, table.Max().Benefits)
}

func TestParseTierTableRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not yaml": "tiers: [",
		"empty":    "tiers: []",
		"unordered": `
tiers:
  - id: 0
    name: A
    min_points: 50
  - id: 1
    name: B
    min_points: 10
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTierTable([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfiguration)
		})
	}
}

func TestLoadTierTable(t *testing.T) {
	table, err := LoadTierTable("")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultTierTable().Len(), table.Len())

	data, err := MarshalTierTable(core.DefaultTierTable())
	require.NoError(t, err)
	path := writeTemp(t, "tiers.yaml", string(data))

	loaded, err := LoadTierTable(path)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultTiers(), loaded.Tiers())

	_, err = LoadTierTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}
