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

// Package app wires configuration into a ready orchestrator: Postgres,
// optional Redis, the staging and journal directories, and the mailbox
// dialer. Both the server and the one-shot CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/flightlog/ingestion/internal/api"
	"github.com/flightlog/ingestion/internal/attachments"
	"github.com/flightlog/ingestion/internal/config"
	"github.com/flightlog/ingestion/internal/cyclelock"
	"github.com/flightlog/ingestion/internal/ingest"
	"github.com/flightlog/ingestion/internal/journal"
	"github.com/flightlog/ingestion/internal/mailbox"
	"github.com/flightlog/ingestion/internal/persistence"
	"github.com/flightlog/ingestion/internal/queue"
)

// lockMargin is added to the cycle's own timeouts to size the distributed
// lock TTL.
const lockMargin = 2 * time.Minute

// App holds the wired components and the connections they own.
type App struct {
	Orchestrator *ingest.Orchestrator

	pool      *pgxpool.Pool
	rdb       *redis.Client
	publisher *queue.Publisher
}

// Build connects to the configured backends and assembles the orchestrator.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create Postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	a.pool = pool
	slog.Info("connected to PostgreSQL")

	gateway, err := persistence.NewStore(ctx, pool)
	if err != nil {
		a.Close()
		return nil, err
	}

	store, err := attachments.NewStore(filepath.Join(cfg.StorageDir, "files"))
	if err != nil {
		a.Close()
		return nil, err
	}
	jr, err := journal.New(filepath.Join(cfg.StorageDir, "journal"))
	if err != nil {
		a.Close()
		return nil, err
	}

	var (
		publisher ingest.Publisher
		locker    ingest.Locker
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opt)
		a.publisher = queue.NewPublisher(a.rdb, cfg.FilesQueue)
		if err := a.publisher.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to Redis: %w", err)
		}
		slog.Info("connected to Redis", "queue", cfg.FilesQueue)

		publisher = a.publisher
		ttl := cfg.ConnectTimeout + cfg.AuthTimeout + cfg.BatchTimeout + lockMargin
		locker = cyclelock.New(a.rdb, cyclelock.DefaultKey, ttl)
	} else {
		slog.Info("redis not configured, events and distributed locking disabled")
	}

	dialer := mailbox.NewDialer(Credentials(ctx, cfg.Mailbox), cfg.ConnectTimeout, cfg.AuthTimeout)

	a.Orchestrator = ingest.New(ingest.Config{
		Opener:       ingest.MailboxOpener(dialer),
		Gateway:      gateway,
		Store:        store,
		Journal:      jr,
		Publisher:    publisher,
		Locker:       locker,
		Folder:       cfg.Mailbox.Folder,
		LookbackDays: cfg.LookbackDays,
		BatchTimeout: cfg.BatchTimeout,
	})

	return a, nil
}

// Credentials maps the mailbox configuration onto dialer credentials. For
// oauth2 auth the token source uses the client-credentials grant.
func Credentials(ctx context.Context, mb config.MailboxConfig) mailbox.Credentials {
	creds := mailbox.Credentials{
		Host:     mb.Host,
		Port:     mb.Port,
		Username: mb.Username,
		Password: mb.Password,
		TLS:      mb.TLS,
	}
	if mb.Auth == config.AuthOAuth2 {
		cc := &clientcredentials.Config{
			ClientID:     mb.ClientID,
			ClientSecret: mb.ClientSecret,
			TokenURL:     mb.TokenURL,
			Scopes:       mb.Scopes,
		}
		creds.TokenSource = cc.TokenSource(ctx)
	}
	return creds
}

// HealthChecks returns pings for every connected backend.
func (a *App) HealthChecks() []api.HealthCheck {
	checks := []api.HealthCheck{{Name: "postgres", Ping: a.pool.Ping}}
	if a.publisher != nil {
		checks = append(checks, api.HealthCheck{Name: "redis", Ping: a.publisher.Ping})
	}
	return checks
}

// Close releases the backend connections.
func (a *App) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
