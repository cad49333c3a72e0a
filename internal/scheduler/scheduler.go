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

// Package scheduler triggers one ingestion cycle per day at a fixed
// wall-clock hour and keeps the status' next-run timestamp current.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flightlog/ingestion/internal/ingest"
	"github.com/flightlog/ingestion/internal/models"
)

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context) (*models.CycleSummary, error)
	SetSchedule(enabled bool, next time.Time) error
}

// Config holds the daily trigger settings.
type Config struct {
	Enabled  bool
	Hour     int
	Location *time.Location
}

// Scheduler runs the daily ingestion job.
type Scheduler struct {
	runner   Runner
	enabled  bool
	spec     string
	schedule cron.Schedule
	cron     *cron.Cron
	now      func() time.Time

	cancel context.CancelFunc
}

// Spec returns the cron expression firing daily at hour in loc.
func Spec(hour int, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("CRON_TZ=%s 0 %d * * *", loc.String(), hour)
}

// New creates a scheduler. The cron expression is validated even when the
// schedule is disabled.
func New(runner Runner, cfg Config) (*Scheduler, error) {
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, fmt.Errorf("schedule hour %d is out of range", cfg.Hour)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	spec := Spec(cfg.Hour, loc)
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	return &Scheduler{
		runner:   runner,
		enabled:  cfg.Enabled,
		spec:     spec,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(loc)),
		now:      time.Now,
	}, nil
}

// NextRun returns the next time the job fires after now.
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(s.now())
}

// Start registers the daily job and starts the cron loop. A disabled
// scheduler only records that in the status.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.enabled {
		if err := s.runner.SetSchedule(false, time.Time{}); err != nil {
			return fmt.Errorf("record disabled schedule: %w", err)
		}
		slog.Info("scheduled ingestion disabled")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if _, err := s.cron.AddFunc(s.spec, func() { s.run(loopCtx) }); err != nil {
		cancel()
		return fmt.Errorf("register daily job: %w", err)
	}

	if err := s.runner.SetSchedule(true, s.NextRun()); err != nil {
		slog.Warn("record next run failed", "error", err)
	}

	s.cron.Start()
	slog.Info("scheduled ingestion started", "schedule", s.spec, "next_run", s.NextRun())
	return nil
}

// run executes one scheduled cycle.
func (s *Scheduler) run(ctx context.Context) {
	slog.Info("scheduled ingestion cycle triggered")

	sum, err := s.runner.RunCycle(ctx)
	switch {
	case errors.Is(err, ingest.ErrCycleInProgress):
		slog.Info("scheduled cycle skipped, another cycle is running")
	case err != nil:
		slog.Error("scheduled ingestion cycle failed", "error", err)
	default:
		slog.Info("scheduled ingestion cycle finished",
			"cycle_id", sum.CycleID,
			"outcome", sum.Outcome(),
		)
	}

	if err := s.runner.SetSchedule(true, s.NextRun()); err != nil {
		slog.Warn("record next run failed", "error", err)
	}
}

// Stop halts the cron loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}
