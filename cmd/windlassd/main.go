// Copyright 2025 Tom Barlow
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

// windlassd is a reference deployment of the engine: it connects to
// Postgres, hosts the dispatcher workers and cron schedules for the
// workflows compiled into it, and serves health and metrics endpoints.
// Real deployments embed the engine the same way and register their own
// definitions in place of the built-in ones.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/windlass-io/windlass"
	"github.com/windlass-io/windlass/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		databaseURL = flag.String("database-url", "", "PostgreSQL connection URL")
		workers     = flag.Int("workers", 0, "Dispatcher worker count")
		metricsAddr = flag.String("metrics", ":9090", "Metrics/health listen address (empty to disable)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("windlassd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	if err := run(cfg, logger, *metricsAddr); err != nil {
		logger.Error("daemon exited with error", log.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (windlass.Config, error) {
	if path != "" {
		return windlass.LoadConfig(path)
	}
	return windlass.DefaultConfig().FromEnv()
}

func run(cfg windlass.Config, logger *slog.Logger, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	engine, err := windlass.Open(ctx, cfg,
		windlass.WithLogger(logger),
		windlass.WithMetrics(registry),
	)
	if err != nil {
		return err
	}

	if err := registerWorkflows(engine); err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	logger.Info("windlassd started", "version", version)

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		srv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", log.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", log.Error(err))
		}
	}
	return engine.Stop(shutdownCtx)
}
