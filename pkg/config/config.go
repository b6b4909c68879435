// Package config loads pgreactive's configuration from a YAML file,
// environment variables (PGREACTIVE_ prefix), and CLI flags, in that order
// of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Tailer   TailerConfig   `mapstructure:"tailer"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PostgresConfig holds the connection string used both for the ordinary
// pool and for the one dedicated replication session.
type PostgresConfig struct {
	ConnString string `mapstructure:"connString"`
}

// TailerConfig mirrors tailer.Config in a form viper/mapstructure can
// populate from YAML, env, or flags.
type TailerConfig struct {
	SlotID            string              `mapstructure:"slotID"`
	PollInterval      time.Duration       `mapstructure:"pollInterval"`
	AssumeSchema      string              `mapstructure:"assumeSchema"`
	OnlyIncludeTables []string            `mapstructure:"onlyIncludeTables"`
	PrimaryKeyMap     map[string][]string `mapstructure:"primaryKeyMap"`
}

// MetricsConfig configures the optional Prometheus HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Default returns the baseline configuration before any file, env, or flag
// overrides are applied.
func Default() Config {
	return Config{
		Tailer: TailerConfig{
			PollInterval: 50 * time.Millisecond,
			AssumeSchema: "public",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
	}
}

// Load reads configuration from cfgFile if given, falling back to
// ./pgreactive.yaml or $HOME/.config/pgreactive.yaml, then layers
// PGREACTIVE_-prefixed environment variables on top. It reads the global
// viper instance so that CLI flags bound with viper.BindPFlag take
// precedence over both.
func Load(cfgFile string) (*Config, error) {
	v := viper.GetViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgreactive")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PGREACTIVE")

	def := Default()
	v.SetDefault("tailer.pollInterval", def.Tailer.PollInterval)
	v.SetDefault("tailer.assumeSchema", def.Tailer.AssumeSchema)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.addr", def.Metrics.Addr)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}
