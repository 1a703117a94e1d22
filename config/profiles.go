package config

import (
	"fmt"
	"sort"
	"time"
)

var profiles = map[string]func() *Config{
	"development": developmentProfile,
	"testing":     testingProfile,
	"staging":     stagingProfile,
	"production":  productionProfile,
}

// Profiles lists the known profile names.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadProfile returns the preset configuration for a deployment profile.
func LoadProfile(name string) (*Config, error) {
	build, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (known: %v)", name, Profiles())
	}
	cfg := build()
	cfg.Profile = name
	return cfg, nil
}

func developmentProfile() *Config {
	cfg := DefaultConfig()
	cfg.Environment = EnvDevelopment
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"
	return cfg
}

func testingProfile() *Config {
	cfg := DefaultConfig()
	cfg.Environment = EnvTesting
	cfg.Logging.Level = "warn"
	cfg.Rewards.ReconcileInterval = time.Second
	return cfg
}

func stagingProfile() *Config {
	cfg := DefaultConfig()
	cfg.Environment = EnvStaging
	cfg.Storage.Adapter = "redis"
	cfg.Metrics.Enabled = true
	cfg.Security.EnableRateLimit = true
	cfg.Rewards.AsyncEvents = true
	return cfg
}

func productionProfile() *Config {
	cfg := DefaultConfig()
	cfg.Environment = EnvProduction
	cfg.Server.CORSOrigin = ""
	cfg.Storage.Adapter = "sql"
	cfg.Storage.Migrate = true
	cfg.Metrics.Enabled = true
	cfg.Security.EnableRateLimit = true
	cfg.Security.RateLimit.RequestsPerMinute = 120
	cfg.Security.RateLimit.BurstSize = 20
	cfg.Rewards.AsyncEvents = true
	cfg.Rewards.ReconcileInterval = 15 * time.Second
	return cfg
}
