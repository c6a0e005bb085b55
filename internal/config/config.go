package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the persistent client configuration, read from an optional
// config file. Command-line flags and environment variables take precedence
// over everything here.
type Config struct {
	BaseURL  string `mapstructure:"base_url"`
	StateDB  string `mapstructure:"state_db"`
	LogLevel string `mapstructure:"log_level"`
}

// DefaultDir returns the directory for the config file and state database.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "biblios")
	}
	return "."
}

// Load reads config.yaml from the given directory, falling back to defaults
// for anything unset. A missing file is not an error; a malformed one is.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultDir()
	}

	v := viper.New()
	v.SetDefault("base_url", "http://localhost:8000")
	v.SetDefault("state_db", filepath.Join(dir, "state.db"))
	v.SetDefault("log_level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
