// Copyright (c) 2026 John Earle
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

// Flight-log ingestion service
//
// Entry point for the long-running service. It:
//  1. Loads configuration from config.yaml (and an optional .env file)
//  2. Connects to PostgreSQL and, if configured, Redis
//  3. Reconciles files left pending by a previous run
//  4. Schedules the daily mailbox ingestion cycle
//  5. Serves the ingestion API and health endpoint
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flightlog/ingestion/internal/api"
	"github.com/flightlog/ingestion/internal/app"
	"github.com/flightlog/ingestion/internal/config"
	"github.com/flightlog/ingestion/internal/scheduler"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting flight-log ingestion service")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"mailbox", cfg.Mailbox.Host,
		"folder", cfg.Mailbox.Folder,
		"auth", cfg.Mailbox.Auth,
		"schedule_enabled", cfg.ScheduleEnabled,
		"schedule_hour", cfg.ScheduleHour,
		"lookback_days", cfg.LookbackDays,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Backends and orchestrator ---
	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise ingestion service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	orch := a.Orchestrator

	if n, err := orch.Reconcile(ctx); err != nil {
		slog.Error("startup reconcile failed", "error", err)
	} else if n > 0 {
		slog.Info("reconciled pending files at startup", "files", n)
	}

	// --- Scheduler ---
	sched, err := scheduler.New(orch, scheduler.Config{
		Enabled:  cfg.ScheduleEnabled,
		Hour:     cfg.ScheduleHour,
		Location: cfg.Location,
	})
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// --- HTTP Server ---
	handler := api.NewHandler(orch, a.HealthChecks(), cfg.CORSOrigins)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     handler.Router(),
		ReadTimeout: 30 * time.Second,
		// An on-demand cycle answers only after the mailbox batch completes.
		WriteTimeout: cfg.ConnectTimeout + cfg.AuthTimeout + cfg.BatchTimeout + time.Minute,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		sched.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("ingestion service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion service stopped")
}
