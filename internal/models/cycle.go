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

package models

import "time"

// Log severities.
const (
	LevelSuccess = "success"
	LevelError   = "error"
	LevelInfo    = "info"
)

// LogEntry is one record of the capped ingestion log.
type LogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// IngestionStatus is the persistent singleton describing the mail ingestion
// worker.
type IngestionStatus struct {
	Enabled     bool       `json:"enabled"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	TotalEmails int        `json:"total_emails"`
	TotalFiles  int        `json:"total_files"`
	LastError   string     `json:"last_error,omitempty"`
}

// Cycle outcomes as rendered to callers.
const (
	OutcomeNoNewMail = "no_new_mail"
	OutcomeNewFiles  = "new_files"
	OutcomeErrors    = "errors"
)

// ProcessedFile reports what happened to one spreadsheet attachment.
type ProcessedFile struct {
	FileName string `json:"file_name"`
	StoredAs string `json:"stored_as,omitempty"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	IsNew    bool   `json:"is_new"`
	Flights  int    `json:"flights"`
}

// ItemError is a per-message or per-attachment failure that did not abort
// the cycle.
type ItemError struct {
	Subject  string `json:"subject,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Error    string `json:"error"`
}

// CycleSummary is returned from every cycle that got past connecting.
// Partial failures are reported in Errors, never thrown.
type CycleSummary struct {
	CycleID        string          `json:"cycle_id"`
	TotalEmails    int             `json:"total_emails"`
	TotalFiles     int             `json:"total_files"`
	NewFiles       int             `json:"new_files"`
	NewFlights     int             `json:"new_flights"`
	ProcessedFiles []ProcessedFile `json:"processed_files"`
	Errors         []ItemError     `json:"errors"`
	TimedOut       bool            `json:"timed_out,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// Outcome classifies the summary so a UI can tell "no new mail" apart from
// "new files processed" and "errors occurred".
func (s *CycleSummary) Outcome() string {
	switch {
	case len(s.Errors) > 0:
		return OutcomeErrors
	case s.NewFiles > 0:
		return OutcomeNewFiles
	default:
		return OutcomeNoNewMail
	}
}
