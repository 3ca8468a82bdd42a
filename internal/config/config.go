// Package config loads engine settings from a YAML file and environment
// variables. Every key can be overridden with a SKEIN_ prefixed variable,
// e.g. SKEIN_WORKERS or SKEIN_REDIS_ADDR.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	// MaxConcurrentExecutions caps in-flight executions; submissions beyond
	// it are rejected.
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`
	// Workers is the per-execution worker pool size.
	Workers int `mapstructure:"workers"`
	// StateTTLSeconds bounds ephemeral execution state lifetime.
	StateTTLSeconds int `mapstructure:"state_ttl_seconds"`

	DB    DB    `mapstructure:"db"`
	Redis Redis `mapstructure:"redis"`
	Log   Log   `mapstructure:"log"`
}

// DB selects the repository backend.
type DB struct {
	// Path is the sqlite database file; empty selects the in-memory store.
	Path string `mapstructure:"path"`
}

// Redis selects the state store backend; an empty Addr selects the
// in-memory store.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Log configures the process logger.
type Log struct {
	// Format is "text" or "json".
	Format string `mapstructure:"format"`
	Debug  bool   `mapstructure:"debug"`
	Quiet  bool   `mapstructure:"quiet"`
}

// StateTTL returns the configured TTL as a duration.
func (c *Config) StateTTL() time.Duration {
	return time.Duration(c.StateTTLSeconds) * time.Second
}

// Load reads the configuration. path may be empty, in which case only the
// default search paths and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SKEIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("max_concurrent_executions", 64)
	v.SetDefault("workers", 16)
	v.SetDefault("state_ttl_seconds", 86400)
	v.SetDefault("db.path", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.format", "text")
	v.SetDefault("log.debug", false)
	v.SetDefault("log.quiet", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("skein")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/skein")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		return nil, fmt.Errorf("max_concurrent_executions must be positive")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive")
	}
	return &cfg, nil
}
