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

// Package journal persists the capped ingestion log and the ingestion status
// singleton as JSON documents. Mutations are read-modify-write under a
// mutex; the orchestrator runs at most one cycle at a time, so no
// cross-process locking is needed here.
package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flightlog/ingestion/internal/fsutil"
	"github.com/flightlog/ingestion/internal/models"
)

// MaxEntries is the number of log entries retained; older ones are evicted.
const MaxEntries = 100

const (
	logsFile   = "logs.json"
	statusFile = "status.json"
)

// Journal is a directory holding logs.json and status.json.
type Journal struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// New opens (creating if needed) a journal in dir.
func New(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir %s: %w", dir, err)
	}
	return &Journal{dir: dir, now: time.Now}, nil
}

// Append adds an entry at the head of the log, evicting the oldest entries
// beyond MaxEntries. A zero timestamp is filled in.
func (j *Journal) Append(entry models.LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = j.now().UTC()
	}

	entries, err := j.readLogs()
	if err != nil {
		return err
	}

	entries = append([]models.LogEntry{entry}, entries...)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}

	return fsutil.WriteJSON(j.path(logsFile), entries)
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns every retained entry.
func (j *Journal) Recent(limit int) ([]models.LogEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.readLogs()
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

// Status returns the status singleton, creating the default document on
// first access.
func (j *Journal) Status() (models.IngestionStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loadStatus()
}

// UpdateStatus applies fn to the stored status and persists the result.
func (j *Journal) UpdateStatus(fn func(*models.IngestionStatus)) (models.IngestionStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	st, err := j.loadStatus()
	if err != nil {
		return st, err
	}
	fn(&st)
	if err := fsutil.WriteJSON(j.path(statusFile), st); err != nil {
		return st, fmt.Errorf("write status: %w", err)
	}
	return st, nil
}

func (j *Journal) loadStatus() (models.IngestionStatus, error) {
	var st models.IngestionStatus
	err := fsutil.ReadJSON(j.path(statusFile), &st)
	if errors.Is(err, os.ErrNotExist) {
		st = models.IngestionStatus{Enabled: true}
		if err := fsutil.WriteJSON(j.path(statusFile), st); err != nil {
			return st, fmt.Errorf("create status: %w", err)
		}
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read status: %w", err)
	}
	return st, nil
}

func (j *Journal) readLogs() ([]models.LogEntry, error) {
	var entries []models.LogEntry
	err := fsutil.ReadJSON(j.path(logsFile), &entries)
	if errors.Is(err, os.ErrNotExist) {
		return []models.LogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	return entries, nil
}

func (j *Journal) path(name string) string { return filepath.Join(j.dir, name) }
