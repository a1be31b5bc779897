// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bob-cd/apiserver/internal/artifact"
	"github.com/bob-cd/apiserver/internal/config"
	"github.com/bob-cd/apiserver/internal/health"
	"github.com/bob-cd/apiserver/internal/logger"
	"github.com/bob-cd/apiserver/internal/metrics"
	"github.com/bob-cd/apiserver/internal/projection"
	"github.com/bob-cd/apiserver/internal/queue"
	"github.com/bob-cd/apiserver/internal/server"
	"github.com/bob-cd/apiserver/internal/store"
	"github.com/bob-cd/apiserver/internal/telemetry"
)

func main() {
	cfg, err := config.NewConfig(os.Getenv("BOB_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	if err := run(cfg); err != nil {
		mainLog := logger.GetLogger("main")
		mainLog.Error().Err(err).Msg("Bob API server failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.CloseGlobal()
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig) error {
	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting Bob API server")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			mainLog.Warn().Err(err).Msg("Error flushing traces")
		}
	}()

	// The process must not come up half connected: every step below is fatal.
	db, err := store.Open(ctx, cfg.Storage, cfg.Connection)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("state store migration: %w", err)
	}
	if err := db.Sync(ctx, cfg.Storage.SyncTimeout); err != nil {
		return fmt.Errorf("state store sync: %w", err)
	}
	mainLog.Info().Msg("State store ready")

	conn, err := queue.Dial(ctx, cfg.Queue, cfg.Connection)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer conn.Close()

	topology := queue.NewTopology(conn)
	if err := topology.Ensure(ctx); err != nil {
		return fmt.Errorf("broker topology: %w", err)
	}
	// Transient exchanges do not survive a broker restart.
	conn.OnReconnect(topology.Redeclare)
	mainLog.Info().Msg("Broker topology declared")

	reads := projection.New(db)
	inspector := queue.NewInspector(conn)
	checker := health.New(conn, db, reads, health.Options{
		ProbeTimeout: cfg.HealthCheck.ProbeTimeout,
		Concurrency:  cfg.HealthCheck.Concurrency,
	})

	srv, err := server.New(&cfg.API, server.Deps{
		Publisher: queue.NewPublisher(conn),
		Errors:    inspector,
		Reads:     reads,
		Artifacts: artifact.NewProxy(reads, nil),
		Health:    checker,
		Metrics:   metrics.Handler(metrics.NewCollector(inspector, reads, cfg.HealthCheck.ProbeTimeout)),
	})
	if err != nil {
		return err
	}

	go checker.Run(ctx, cfg.HealthCheck.Freq)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		mainLog.Info().Msg("Received shutdown signal, shutting down...")
	case err := <-serverErrChan:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the signal ctx.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	mainLog.Info().Msg("Bob API server shut down")
	return nil
}
