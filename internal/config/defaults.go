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

package config

import (
	"strings"
	"time"
)

// Defaults.
const (
	DefaultListen          = ":502"
	DefaultMaxConnections  = 100
	DefaultKeepAlive       = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMetricsListen   = ":9502"
	DefaultMetricsPath     = "/metrics"
)

func defaultValues() map[string]any {
	return map[string]any{
		"logging.level":           "INFO",
		"logging.format":          "text",
		"logging.output":          "stderr",
		"server.listen":           DefaultListen,
		"server.max_connections":  DefaultMaxConnections,
		"server.read_timeout":     time.Duration(0),
		"server.keepalive":        DefaultKeepAlive,
		"server.shutdown_timeout": DefaultShutdownTimeout,
		"store.type":              "memory",
		"metrics.enabled":         false,
		"metrics.listen":          DefaultMetricsListen,
		"metrics.path":            DefaultMetricsPath,
		"points":                  "",
	}
}

// ApplyDefaults fills zero values left by the sources and normalizes the
// log level to upper case.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = "memory"
	}
	if cfg.Store.Badger == nil {
		cfg.Store.Badger = make(map[string]any)
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

// StoreOptions returns the option map of the selected store type.
func (c *Config) StoreOptions() map[string]any {
	if c.Store.Type == "badger" {
		return c.Store.Badger
	}
	return nil
}
