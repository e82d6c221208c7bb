/*
Copyright 2026 Altaira Labs.

SPDX-License-Identifier: Apache-2.0

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command workspace-scheduler runs the retention and key rotation
// engine on a cron schedule, expiring sessions, pruning checkpoints,
// and rotating encryption keys that are due.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/cortexlane/workspace-engine/internal/workspace/crypto"
	"github.com/cortexlane/workspace-engine/internal/workspace/keymanager"
	"github.com/cortexlane/workspace-engine/internal/workspace/providers/postgres"
	"github.com/cortexlane/workspace-engine/internal/workspace/scheduler"
	"github.com/cortexlane/workspace-engine/pkg/logging"
	"github.com/cortexlane/workspace-engine/pkg/metrics"
)

type flags struct {
	schedule     string
	runOnce      bool
	dryRun       bool
	batchSize    int
	metricsAddr  string
	postgresConn string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.schedule, "schedule", "@every 1h", "robfig/cron/v3 schedule the retention engine runs on")
	flag.BoolVar(&f.runOnce, "run-once", false, "run a single pass and exit instead of starting the cron loop")
	flag.BoolVar(&f.dryRun, "dry-run", false, "report what would be expired, pruned, and rotated without writing")
	flag.IntVar(&f.batchSize, "batch-size", 0, "override the default per-run batch size (0 keeps the engine default)")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9091", "address the metrics server listens on")
	flag.StringVar(&f.postgresConn, "postgres-conn", os.Getenv("WORKSPACE_POSTGRES_CONN"), "PostgreSQL connection string")
	flag.Parse()
	return f
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "workspace-scheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()
	if f.postgresConn == "" {
		return errors.New("-postgres-conn (or WORKSPACE_POSTGRES_CONN) is required")
	}

	zapLog, err := logging.NewZapLogger()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = zapLog.Sync() }()
	sugar := zapLog.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnString = f.postgresConn
	store, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer store.Close()

	keys := keymanager.New(store, crypto.NewDefault(), keymanager.DefaultConfig())

	cfg := scheduler.DefaultConfig()
	cfg.DryRun = f.dryRun
	if f.batchSize > 0 {
		cfg.BatchSize = f.batchSize
	}

	schedulerMetrics := metrics.NewRetentionSchedulerMetrics()
	engine := scheduler.NewEngine(store, keys, cfg, schedulerMetrics, sugar)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: f.metricsAddr, Handler: metricsMux}
	go func() {
		sugar.Infow("starting metrics server", "addr", f.metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	runOnce := func() {
		result, err := engine.Run(ctx)
		if err != nil {
			sugar.Errorw("scheduler run failed", "error", err)
			return
		}
		sugar.Infow("scheduler run complete",
			"sessionsExpired", result.SessionsExpired,
			"checkpointsPruned", result.CheckpointsPruned,
			"keysRotated", result.KeysRotated,
			"spaceFreedBytes", result.SpaceFreedBytes,
			"errors", len(result.Errors),
		)
	}

	if f.runOnce {
		runOnce()
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(f.schedule, runOnce); err != nil {
		return fmt.Errorf("registering cron schedule %q: %w", f.schedule, err)
	}
	sugar.Infow("starting retention scheduler", "schedule", f.schedule)
	c.Start()

	<-ctx.Done()
	sugar.Info("shutdown signal received")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}
