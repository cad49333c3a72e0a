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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mailbox authentication modes.
const (
	AuthPassword = "password"
	AuthOAuth2   = "oauth2"
)

// MailboxConfig holds the connection parameters of the polled mailbox.
type MailboxConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	Folder   string

	// Auth is "password" (IMAP LOGIN) or "oauth2" (SASL XOAUTH2 with a
	// client-credentials token).
	Auth         string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config holds all configuration for the ingestion service.
type Config struct {
	Mailbox MailboxConfig

	// Schedule
	ScheduleEnabled bool
	ScheduleHour    int
	Location        *time.Location
	LookbackDays    int

	// Timeouts
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	BatchTimeout   time.Duration

	// Storage
	StorageDir  string
	DatabaseURL string

	// Redis (optional; enables the cross-process cycle lock and event queue)
	RedisURL   string
	FilesQueue string

	// Server
	Port        int
	CORSOrigins []string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Mailbox struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		TLS      *bool  `yaml:"tls"`
		Folder   string `yaml:"folder"`
		Auth     string `yaml:"auth"`
		OAuth2   struct {
			TokenURL     string   `yaml:"token_url"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth2"`
	} `yaml:"mailbox"`
	Schedule struct {
		Enabled  *bool  `yaml:"enabled"`
		Hour     *int   `yaml:"hour"`
		Timezone string `yaml:"timezone"`
	} `yaml:"schedule"`
	LookbackDays int `yaml:"lookback_days"`
	Timeouts     struct {
		Connect string `yaml:"connect"`
		Auth    string `yaml:"auth"`
		Batch   string `yaml:"batch"`
	} `yaml:"timeouts"`
	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Files string `yaml:"files"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Server struct {
		Port        int      `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes. ${VAR} references are expanded
// before decoding.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	m := raw.Mailbox
	cfg := &Config{
		Mailbox: MailboxConfig{
			Host:         firstNonEmpty(m.Host, os.Getenv("IMAP_HOST")),
			Port:         firstPositive(m.Port, envOrDefaultInt("IMAP_PORT", 993)),
			Username:     firstNonEmpty(m.Username, os.Getenv("IMAP_USER")),
			Password:     firstNonEmpty(m.Password, os.Getenv("IMAP_PASSWORD")),
			TLS:          boolOr(m.TLS, envOrDefaultBool("IMAP_TLS", true)),
			Folder:       firstNonEmpty(m.Folder, "INBOX"),
			Auth:         strings.ToLower(firstNonEmpty(m.Auth, AuthPassword)),
			TokenURL:     m.OAuth2.TokenURL,
			ClientID:     m.OAuth2.ClientID,
			ClientSecret: m.OAuth2.ClientSecret,
			Scopes:       m.OAuth2.Scopes,
		},
		ScheduleEnabled: boolOr(raw.Schedule.Enabled, true),
		ScheduleHour:    intOr(raw.Schedule.Hour, envOrDefaultInt("SCHEDULE_HOUR", 9)),
		LookbackDays:    firstPositive(raw.LookbackDays, envOrDefaultInt("LOOKBACK_DAYS", 7)),
		ConnectTimeout:  durationOr(raw.Timeouts.Connect, envOrDefaultDuration("CONNECT_TIMEOUT", 10*time.Second)),
		AuthTimeout:     durationOr(raw.Timeouts.Auth, envOrDefaultDuration("AUTH_TIMEOUT", 5*time.Second)),
		BatchTimeout:    durationOr(raw.Timeouts.Batch, envOrDefaultDuration("BATCH_TIMEOUT", 30*time.Second)),
		StorageDir:      firstNonEmpty(raw.Storage.Dir, envOrDefault("STORAGE_DIR", "/app/data")),
		DatabaseURL:     firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:        firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		FilesQueue:      firstNonEmpty(raw.Redis.Queues.Files, envOrDefault("FILES_QUEUE", "flight_files")),
		Port:            firstPositive(envOrDefaultInt("PORT", 0), raw.Server.Port, 8080),
		CORSOrigins:     raw.Server.CORSOrigins,
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	tz := firstNonEmpty(raw.Schedule.Timezone, envOrDefault("SCHEDULE_TZ", "UTC"))
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load schedule timezone %q: %w", tz, err)
	}
	cfg.Location = loc

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	mb := c.Mailbox
	if mb.Host == "" {
		errs = append(errs, errors.New("mailbox.host is required"))
	}
	if mb.Port <= 0 || mb.Port > 65535 {
		errs = append(errs, fmt.Errorf("mailbox.port %d is out of range", mb.Port))
	}
	if mb.Username == "" {
		errs = append(errs, errors.New("mailbox.username is required"))
	}

	switch mb.Auth {
	case AuthPassword:
		if mb.Password == "" {
			errs = append(errs, errors.New("mailbox.password is required for password auth"))
		}
	case AuthOAuth2:
		if mb.TokenURL == "" || mb.ClientID == "" || mb.ClientSecret == "" {
			errs = append(errs, errors.New("mailbox.oauth2 token_url, client_id and client_secret are required for oauth2 auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("mailbox.auth %q is not supported", mb.Auth))
	}

	if c.ScheduleHour < 0 || c.ScheduleHour > 23 {
		errs = append(errs, fmt.Errorf("schedule.hour %d is out of range", c.ScheduleHour))
	}

	return errors.Join(errs...)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func durationOr(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
