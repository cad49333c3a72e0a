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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flightlog/ingestion/internal/attachments"
	"github.com/flightlog/ingestion/internal/models"
	"github.com/flightlog/ingestion/internal/spreadsheet"
)

// Reconcile re-ingests stored files whose status is still pending, e.g.
// because the database was unreachable when they arrived. It returns the
// number of files that were brought up to date.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reconcile(ctx)
}

func (o *Orchestrator) reconcile(ctx context.Context) (int, error) {
	files, err := o.store.ListAll()
	if err != nil {
		return 0, fmt.Errorf("list stored files: %w", err)
	}

	reconciled := 0
	for i := range files {
		meta := &files[i]
		if meta.Status != models.StatusPending {
			continue
		}

		content, err := o.store.Content(meta.ID)
		if err != nil {
			slog.Warn("reconcile: read stored file failed", "file", meta.ID, "error", err)
			continue
		}
		if _, _, err := o.ingestStored(ctx, meta, content, ""); err != nil {
			slog.Warn("reconcile: ingest failed", "file", meta.ID, "error", err)
			continue
		}
		reconciled++
	}
	return reconciled, nil
}

// IngestFile stores and ingests a spreadsheet supplied directly by a user.
// Manual uploads bypass duplicate admission. A malformed workbook is still
// stored, with status error, and the parse error is returned alongside the
// result.
func (o *Orchestrator) IngestFile(ctx context.Context, fileName string, content []byte) (*models.ProcessedFile, error) {
	if !spreadsheet.IsSpreadsheet(fileName) {
		return nil, fmt.Errorf("%s: %w", fileName, spreadsheet.ErrUnsupportedFormat)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	stored, err := o.store.Save(models.Attachment{
		FileName: fileName,
		Size:     int64(len(content)),
		Content:  content,
		Date:     now,
	}, models.SourceManual)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	flights, inserted, err := o.ingestStored(ctx, stored, content, "")
	pf := &models.ProcessedFile{
		FileName: fileName,
		StoredAs: stored.ID,
		IsNew:    true,
		Flights:  flights,
	}

	entry := models.LogEntry{
		Level:     models.LevelInfo,
		Message:   fmt.Sprintf("File %s uploaded: %d flights", fileName, flights),
		Timestamp: now.UTC(),
		Details:   map[string]any{"file_id": stored.ID, "new_flights": inserted},
	}
	if err != nil {
		entry.Level = models.LevelError
		entry.Message = fmt.Sprintf("File %s upload failed: %v", fileName, err)
	}
	o.appendLog(entry)

	if err != nil {
		return pf, err
	}

	slog.Info("manual file ingested", "file", stored.ID, "flights", flights, "inserted", inserted)
	return pf, nil
}

// DeleteFile removes a stored file, its flights and its staged bytes.
func (o *Orchestrator) DeleteFile(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.store.Get(id); err != nil {
		return err
	}
	if err := o.gateway.DeleteFile(ctx, id); err != nil {
		return err
	}
	if err := o.store.Remove(id); err != nil {
		return err
	}

	slog.Info("stored file deleted", "file", id)
	return nil
}

// ListFiles returns the persisted files, falling back to the staging
// directory when the relational store is unreachable.
func (o *Orchestrator) ListFiles(ctx context.Context) ([]models.StoredFile, error) {
	files, err := o.gateway.ListFiles(ctx)
	if err == nil {
		return files, nil
	}
	slog.Warn("list files from database failed, using staging directory", "error", err)
	return o.store.ListAll()
}

// Status returns the ingestion status singleton.
func (o *Orchestrator) Status() (models.IngestionStatus, error) {
	return o.journal.Status()
}

// Logs returns up to limit recent log entries, newest first.
func (o *Orchestrator) Logs(limit int) ([]models.LogEntry, error) {
	return o.journal.Recent(limit)
}

// SetSchedule records whether the daily trigger is enabled and when it
// fires next.
func (o *Orchestrator) SetSchedule(enabled bool, next time.Time) error {
	_, err := o.journal.UpdateStatus(func(st *models.IngestionStatus) {
		st.Enabled = enabled
		if next.IsZero() {
			st.NextRun = nil
			return
		}
		n := next.UTC()
		st.NextRun = &n
	})
	return err
}

// IsNotFound reports whether err means a stored file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, attachments.ErrNotFound)
}
