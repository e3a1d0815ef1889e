// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the mbrouter configuration.
//
// Sources, highest precedence first:
//  1. command-line flags bound to the viper instance
//  2. environment variables (MBROUTER_SERVER_LISTEN, ...)
//  3. the configuration file (YAML or TOML)
//  4. defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "MBROUTER"

// Config is the complete mbrouter configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Points is the path of a TOML point map. Empty serves no routes.
	Points string `mapstructure:"points"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig configures the Modbus TCP listener.
type ServerConfig struct {
	Listen string `mapstructure:"listen" validate:"required,hostname_port"`

	// MaxConnections caps concurrent connections; 0 is unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0"`

	// ReadTimeout closes idle connections; 0 disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0"`

	KeepAlive       time.Duration `mapstructure:"keepalive" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// StoreConfig selects the value store. Only the section matching Type is
// used; it is decoded by the store itself.
type StoreConfig struct {
	Type   string         `mapstructure:"type" validate:"required,oneof=memory badger"`
	Badger map[string]any `mapstructure:"badger"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"omitempty,hostname_port"`
	Path    string `mapstructure:"path" validate:"omitempty,startswith=/"`
}

// Load loads, defaults and validates the configuration. An empty path
// searches the default locations; a missing default file is not an error.
func Load(path string) (*Config, error) {
	return FromViper(New(path))
}

// New returns a viper instance wired for the configuration file at path
// and MBROUTER_* environment variables. Callers may bind flags to it
// before passing it to FromViper.
func New(path string) *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Register every key so environment overrides reach Unmarshal.
	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
		v.SetConfigName("mbrouter")
		v.SetConfigType("yaml")
	}
	return v
}

// FromViper reads the configuration file registered on v and returns the
// validated configuration.
func FromViper(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mbrouter")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mbrouter")
}
