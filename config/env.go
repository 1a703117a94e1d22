package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. YIELD_STORAGE_REDIS_ADDR.
const EnvPrefix = "YIELD"

// DotEnvFile is read before the environment is consulted. Values already set
// in the process environment win.
var DotEnvFile = ".env"

// load builds the configuration in layers: profile defaults, optional file,
// environment. The profile comes from YIELD_PROFILE.
func load(path string) (*Config, error) {
	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, err
	}

	base := DefaultConfig()
	if name := os.Getenv("YIELD_PROFILE"); name != "" {
		profile, err := LoadProfile(name)
		if err != nil {
			return nil, err
		}
		base = profile
	}

	v := viper.New()
	if err := registerKeys(v, reflect.ValueOf(base).Elem(), ""); err != nil {
		return nil, fmt.Errorf("failed to register config keys: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

var durationType = reflect.TypeOf(time.Duration(0))

// registerKeys walks the config struct, registering every leaf as a viper
// default (keeping its Go type) and binding the explicit env tag if present.
func registerKeys(v *viper.Viper, val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		key := keyName(fieldType)
		if prefix != "" {
			key = prefix + "." + key
		}

		if field.Kind() == reflect.Struct && fieldType.Type != durationType {
			if err := registerKeys(v, field, key); err != nil {
				return err
			}
			continue
		}

		v.SetDefault(key, field.Interface())
		if envTag := fieldType.Tag.Get("env"); envTag != "" {
			if err := v.BindEnv(key, envTag); err != nil {
				return fmt.Errorf("bind %s: %w", envTag, err)
			}
		}
	}
	return nil
}

// keyName is the mapstructure name of a field, or its lowercased Go name.
func keyName(f reflect.StructField) string {
	if tag := f.Tag.Get("mapstructure"); tag != "" {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" {
			return name
		}
	}
	return strings.ToLower(f.Name)
}
