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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-router"
	"github.com/edgeo-scada/modbus-router/internal/config"
	"github.com/edgeo-scada/modbus-router/internal/pointmap"
	"github.com/edgeo-scada/modbus-router/internal/store"
	"github.com/edgeo-scada/modbus-router/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve Modbus TCP requests",
	Long: `Serve Modbus TCP requests from the routes of a TOML point map.

Every configuration key can be set in the config file, through an
MBROUTER_ environment variable (MBROUTER_SERVER_LISTEN, MBROUTER_STORE_TYPE,
...) or with the flags below, which take precedence.`,
	Example: `  mbrouter serve --points points.toml
  mbrouter serve --listen :1502 --store badger --points points.toml
  MBROUTER_METRICS_ENABLED=true mbrouter serve --points points.toml`,
	RunE: runServe,
}

// serveFlags maps serve flags onto configuration keys.
var serveFlags = map[string]string{
	"listen":          "server.listen",
	"max-conns":       "server.max_connections",
	"read-timeout":    "server.read_timeout",
	"points":          "points",
	"store":           "store.type",
	"metrics":         "metrics.enabled",
	"metrics-listen":  "metrics.listen",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
	"shutdown-period": "server.shutdown_timeout",
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", config.DefaultListen, "Modbus TCP listen address")
	f.Int("max-conns", config.DefaultMaxConnections, "Maximum concurrent connections (0 = unlimited)")
	f.Duration("read-timeout", 0, "Close connections idle for this long (0 = never)")
	f.String("points", "", "TOML point map")
	f.String("store", "memory", "Value store: memory, badger")
	f.Bool("metrics", false, "Serve Prometheus metrics")
	f.String("metrics-listen", config.DefaultMetricsListen, "Prometheus metrics listen address")
	f.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")
	f.String("log-format", "text", "Log format: text, json")
	f.Duration("shutdown-period", config.DefaultShutdownTimeout, "Maximum time to wait for connections on shutdown")
}

func bindServeFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range serveFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	v := config.New(cfgFile)
	if err := bindServeFlags(cmd, v); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "DEBUG"
	}

	log, closer, err := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Store.Type, cfg.StoreOptions(), log)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := modbus.NewServer(
		modbus.WithServerLogger(log),
		modbus.WithMaxConnections(cfg.Server.MaxConnections),
		modbus.WithReadTimeout(cfg.Server.ReadTimeout),
		modbus.WithKeepAlivePeriod(cfg.Server.KeepAlive),
	)

	if cfg.Points != "" {
		points, err := pointmap.Load(cfg.Points)
		if err != nil {
			return err
		}
		if err := points.Apply(srv.Router(), st); err != nil {
			return err
		}
		log.Info("point map loaded",
			slog.String("file", cfg.Points),
			slog.Int("points", len(points.Points)))
	} else {
		log.Warn("no point map configured, every request will be answered with an exception")
	}

	if cfg.Metrics.Enabled {
		ms := telemetry.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path, telemetry.NewRegistry(srv), log)
		go func() {
			if err := ms.ListenAndServe(); err != nil {
				log.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ms.Shutdown(shutdownCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServeContext(ctx, cfg.Server.Listen)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", slog.Duration("timeout", cfg.Server.ShutdownTimeout))
	select {
	case err := <-errCh:
		return err
	case <-time.After(cfg.Server.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s with %d connections open",
			cfg.Server.ShutdownTimeout, srv.ActiveConnections())
	}
}
