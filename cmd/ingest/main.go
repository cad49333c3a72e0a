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

// Flight-log one-shot ingestion command
//
// Standalone CLI that runs a single mailbox ingestion cycle, or imports one
// spreadsheet from disk, and prints the result as JSON. Intended for
// seeding new deployments and for re-running a missed day by hand.
//
// Usage:
//
//	go run ./cmd/ingest/ [--since 720h]
//	go run ./cmd/ingest/ --file ./march.xlsx
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flightlog/ingestion/internal/app"
	"github.com/flightlog/ingestion/internal/config"
	"github.com/flightlog/ingestion/internal/models"
	"github.com/flightlog/ingestion/internal/spreadsheet"
)

func main() {
	// Structured JSON logging to stderr; stdout carries the result.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	fileFlag := flag.String("file", "", "Spreadsheet to import instead of polling the mailbox")
	sinceFlag := flag.String("since", "", "Lookback duration overriding lookback_days (e.g. 720h for 30 days)")
	flag.Parse()

	var since time.Duration
	if *sinceFlag != "" {
		d, err := time.ParseDuration(*sinceFlag)
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q\n\n", *sinceFlag)
			flag.Usage()
			os.Exit(1)
		}
		since = d
	}
	if *fileFlag != "" && since > 0 {
		fmt.Fprintf(os.Stderr, "Error: --file and --since are mutually exclusive\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if *fileFlag != "" && !spreadsheet.IsSpreadsheet(*fileFlag) {
		fmt.Fprintf(os.Stderr, "Error: %s is not an .xls or .xlsx file\n", *fileFlag)
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise ingestion", "error", err)
		cancel()
		os.Exit(1)
	}

	var code int
	if *fileFlag != "" {
		code = importFile(ctx, a, *fileFlag)
	} else {
		code = runCycle(ctx, a, since)
	}

	a.Close()
	cancel()
	os.Exit(code)
}

// importFile ingests one spreadsheet from disk.
func importFile(ctx context.Context, a *app.App, path string) int {
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Error("failed to read spreadsheet", "path", path, "error", err)
		return 1
	}

	pf, err := a.Orchestrator.IngestFile(ctx, filepath.Base(path), content)
	if pf != nil {
		printJSON(pf)
	}
	if err != nil {
		slog.Error("import failed", "path", path, "error", err)
		return 1
	}

	slog.Info("import complete", "stored_as", pf.StoredAs, "flights", pf.Flights)
	return 0
}

// runCycle runs one mailbox cycle. A non-zero since overrides the
// configured lookback window.
func runCycle(ctx context.Context, a *app.App, since time.Duration) int {
	var (
		sum *models.CycleSummary
		err error
	)
	if since > 0 {
		sum, err = a.Orchestrator.RunCycleSince(ctx, time.Now().UTC().Add(-since))
	} else {
		sum, err = a.Orchestrator.RunCycle(ctx)
	}
	if err != nil {
		slog.Error("ingestion cycle failed", "error", err)
		return 1
	}

	printJSON(map[string]any{
		"outcome": sum.Outcome(),
		"summary": sum,
	})

	// --- Summary ---
	slog.Info("ingestion complete",
		"emails", sum.TotalEmails,
		"files", sum.TotalFiles,
		"new_files", sum.NewFiles,
		"new_flights", sum.NewFlights,
		"errors", len(sum.Errors),
		"elapsed", sum.FinishedAt.Sub(sum.StartedAt),
	)

	for _, pf := range sum.ProcessedFiles {
		slog.Info("file result",
			"file", pf.FileName,
			"stored_as", pf.StoredAs,
			"is_new", pf.IsNew,
			"flights", pf.Flights,
		)
	}

	if len(sum.Errors) > 0 {
		return 2
	}
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to write result", "error", err)
	}
}
