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

// Command workspace-api serves the workspace persistence HTTP API:
// sessions, checkpoints, user encryption keys, and corrupted-state
// recovery, backed by PostgreSQL and an optional Redis read-through
// cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cortexlane/workspace-engine/internal/workspace/api"
	"github.com/cortexlane/workspace-engine/internal/workspace/checkpointstore"
	"github.com/cortexlane/workspace-engine/internal/workspace/crypto"
	"github.com/cortexlane/workspace-engine/internal/workspace/keymanager"
	"github.com/cortexlane/workspace-engine/internal/workspace/providers/postgres"
	"github.com/cortexlane/workspace-engine/internal/workspace/providers/rediscache"
	"github.com/cortexlane/workspace-engine/internal/workspace/serializer"
	"github.com/cortexlane/workspace-engine/internal/workspace/sessionstore"
	"github.com/cortexlane/workspace-engine/pkg/logging"
)

type flags struct {
	apiAddr      string
	healthAddr   string
	metricsAddr  string
	postgresConn string
	redisAddrs   string
	redisDB      int
	maxCheckpointsPerSession int
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.apiAddr, "api-addr", ":8080", "address the API server listens on")
	flag.StringVar(&f.healthAddr, "health-addr", ":8081", "address the health server listens on")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "address the metrics server listens on")
	flag.StringVar(&f.postgresConn, "postgres-conn", "", "PostgreSQL connection string")
	flag.StringVar(&f.redisAddrs, "redis-addrs", "", "comma-separated Redis addresses (empty disables the metadata cache)")
	flag.IntVar(&f.redisDB, "redis-db", 0, "Redis database number")
	flag.IntVar(&f.maxCheckpointsPerSession, "max-checkpoints-per-session", 50, "maximum checkpoints retained per session")
	flag.Parse()
	applyEnvFallbacks(f)
	return f
}

func applyEnvFallbacks(f *flags) {
	f.apiAddr = envFallback("WORKSPACE_API_ADDR", f.apiAddr)
	f.healthAddr = envFallback("WORKSPACE_HEALTH_ADDR", f.healthAddr)
	f.metricsAddr = envFallback("WORKSPACE_METRICS_ADDR", f.metricsAddr)
	f.postgresConn = envFallback("WORKSPACE_POSTGRES_CONN", f.postgresConn)
	f.redisAddrs = envFallback("WORKSPACE_REDIS_ADDRS", f.redisAddrs)
	f.redisDB = envIntFallback("WORKSPACE_REDIS_DB", f.redisDB)
	f.maxCheckpointsPerSession = envIntFallback("WORKSPACE_MAX_CHECKPOINTS_PER_SESSION", f.maxCheckpointsPerSession)
}

func envFallback(key, current string) string {
	if current != "" {
		return current
	}
	return os.Getenv(key)
}

func envIntFallback(key string, current int) int {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return current
	}
	return n
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "workspace-api:", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer syncLog()

	if f.postgresConn == "" {
		return errors.New("-postgres-conn (or WORKSPACE_POSTGRES_CONN) is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnString = f.postgresConn

	store, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer store.Close()

	migrator, err := postgres.NewMigrator(f.postgresConn, log)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if err := migrator.Close(); err != nil {
		log.Error(err, "closing migrator")
	}

	ser := serializer.New(serializer.DefaultConfig(), crypto.NewDefault())

	var sessions *sessionstore.Store
	if addrs := splitAddrs(f.redisAddrs); len(addrs) > 0 {
		cacheCfg := rediscache.DefaultConfig()
		cacheCfg.Addrs = addrs
		cacheCfg.DB = f.redisDB
		cache, err := rediscache.New(cacheCfg)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer cache.Close()
		sessions = sessionstore.NewWithCache(store, ser, cache)
		log.Info("metadata cache enabled", "addrs", addrs)
	} else {
		sessions = sessionstore.New(store, ser)
		log.Info("metadata cache disabled")
	}

	checkpoints := checkpointstore.New(store, store, ser, f.maxCheckpointsPerSession)
	keys := keymanager.New(store, crypto.NewDefault(), keymanager.DefaultConfig())

	handler := api.NewHandler(sessions, checkpoints, keys, log)
	metrics := api.NewHTTPMetrics()

	apiMux := http.NewServeMux()
	handler.RegisterRoutes(apiMux)
	apiSrv := &http.Server{
		Addr:    f.apiAddr,
		Handler: api.MetricsMiddleware(metrics, apiMux),
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	healthSrv := &http.Server{Addr: f.healthAddr, Handler: healthMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: f.metricsAddr, Handler: metricsMux}

	errCh := make(chan error, 3)
	startHTTPServer(errCh, apiSrv, "api", log)
	startHTTPServer(errCh, healthSrv, "health", log)
	startHTTPServer(errCh, metricsSrv, "metrics", log)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error(err, "server failed")
	}

	return shutdownServers(log, apiSrv, healthSrv, metricsSrv)
}

func startHTTPServer(errCh chan<- error, srv *http.Server, name string, log interface{ Info(string, ...any) }) {
	go func() {
		log.Info("starting server", "name", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

func shutdownServers(log interface{ Error(error, string, ...any) }, servers ...*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error(err, "server shutdown", "addr", srv.Addr)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
