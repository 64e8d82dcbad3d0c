// Package config loads runtime configuration through Viper: defaults,
// then an optional YAML config file, then SHELFSYNC_* environment
// variables, each layer overriding the previous.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration.
type Config struct {
	// DatabaseDSN locates the SQLite database holding canonical entities,
	// mappings, and connections.
	DatabaseDSN string `mapstructure:"database_dsn"`

	// SyncInterval is the periodic driver's cadence.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// Workers bounds how many accounts sync concurrently.
	Workers int `mapstructure:"workers"`

	// RedisAddr, when set, switches the per-account overlap guard from the
	// in-process locker to Redis so replicas do not race each other.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`

	// AuthorityFile optionally overrides the default field-authority rules.
	AuthorityFile string `mapstructure:"authority_file"`

	// DryRun stops every cycle after change detection.
	DryRun bool `mapstructure:"dry_run"`
}

// Load reads configuration from defaults, the optional config file, and
// the environment. Pass an empty path to skip the file layer.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database_dsn", "shelfsync.db")
	v.SetDefault("sync_interval", 15*time.Minute)
	v.SetDefault("workers", 4)

	v.SetEnvPrefix("SHELFSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("sync_interval %s is below the 1m minimum", c.SyncInterval)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}
