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

// Package ingest coordinates mail ingestion cycles: connect to the mailbox,
// search the lookback window, stage and normalise every new spreadsheet
// attachment, persist flights, and record the outcome in the journal.
//
// The scheduled and on-demand triggers share RunCycle; at most one cycle is
// in flight per process (and per Redis, when a distributed lock is wired).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flightlog/ingestion/internal/attachments"
	"github.com/flightlog/ingestion/internal/cyclelock"
	"github.com/flightlog/ingestion/internal/dedup"
	"github.com/flightlog/ingestion/internal/journal"
	"github.com/flightlog/ingestion/internal/mailbox"
	"github.com/flightlog/ingestion/internal/models"
	"github.com/flightlog/ingestion/internal/queue"
	"github.com/flightlog/ingestion/internal/spreadsheet"
)

// ErrCycleInProgress is returned when a cycle is requested while another one
// is running.
var ErrCycleInProgress = errors.New("ingestion cycle already in progress")

const (
	defaultLookbackDays = 7
	defaultBatchTimeout = 30 * time.Second
)

// Session is one open mailbox connection.
type Session interface {
	Select(ctx context.Context, name string, readOnly bool) error
	Search(ctx context.Context, since time.Time) ([]uint32, error)
	Fetch(ctx context.Context, uid uint32) (*models.MailMessage, error)
	Close() error
}

// Opener opens mailbox sessions.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (Session, error) { return f(ctx) }

// MailboxOpener opens sessions through an IMAP dialer.
func MailboxOpener(d *mailbox.Dialer) Opener {
	return OpenerFunc(func(ctx context.Context) (Session, error) {
		s, err := d.Open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Gateway is the relational store of files and flights.
type Gateway interface {
	UpsertFile(ctx context.Context, f models.StoredFile) error
	UpsertFlights(ctx context.Context, flights []models.FlightRecord) (int, error)
	ListFiles(ctx context.Context) ([]models.StoredFile, error)
	DeleteFile(ctx context.Context, id string) error
}

// Publisher announces persisted files.
type Publisher interface {
	PublishFileIngested(ctx context.Context, event queue.FileIngested) error
}

// Locker is a cross-process cycle lock.
type Locker interface {
	Acquire(ctx context.Context) (string, error)
	Release(ctx context.Context, token string) error
}

// Orchestrator runs ingestion cycles.
type Orchestrator struct {
	opener       Opener
	gateway      Gateway
	store        *attachments.Store
	journal      *journal.Journal
	publisher    Publisher
	locker       Locker
	folder       string
	lookbackDays int
	batchTimeout time.Duration
	now          func() time.Time

	mu sync.Mutex
}

// Config holds dependencies for the orchestrator. Publisher and Locker are
// optional.
type Config struct {
	Opener       Opener
	Gateway      Gateway
	Store        *attachments.Store
	Journal      *journal.Journal
	Publisher    Publisher
	Locker       Locker
	Folder       string
	LookbackDays int
	BatchTimeout time.Duration
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = defaultLookbackDays
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = defaultBatchTimeout
	}
	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	return &Orchestrator{
		opener:       cfg.Opener,
		gateway:      cfg.Gateway,
		store:        cfg.Store,
		journal:      cfg.Journal,
		publisher:    cfg.Publisher,
		locker:       cfg.Locker,
		folder:       folder,
		lookbackDays: lookback,
		batchTimeout: batch,
		now:          time.Now,
	}
}

// RunCycle runs one cycle over the configured lookback window.
func (o *Orchestrator) RunCycle(ctx context.Context) (*models.CycleSummary, error) {
	since := o.now().UTC().AddDate(0, 0, -o.lookbackDays)
	return o.RunCycleSince(ctx, since)
}

// RunCycleSince runs one cycle over messages received on or after since.
//
// A nil summary with an error means the cycle never reached the mailbox
// contents (connect, authenticate, select or search failed); the failure is
// journaled and recorded as the status' last error. Once messages are being
// processed, per-message and per-attachment failures are reported in the
// summary and the error is nil.
func (o *Orchestrator) RunCycleSince(ctx context.Context, since time.Time) (*models.CycleSummary, error) {
	if !o.mu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer o.mu.Unlock()

	release, err := o.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	sum := &models.CycleSummary{
		CycleID:        uuid.New().String(),
		ProcessedFiles: []models.ProcessedFile{},
		Errors:         []models.ItemError{},
		StartedAt:      o.now().UTC(),
	}

	slog.Info("starting ingestion cycle",
		"cycle_id", sum.CycleID,
		"folder", o.folder,
		"since", since.Format(time.DateOnly),
	)

	existing, err := o.store.ListAll()
	if err != nil {
		return nil, o.fail(sum, fmt.Errorf("load stored files: %w", err))
	}
	index := dedup.NewIndex(existing)

	sess, err := o.opener.Open(ctx)
	if err != nil {
		return nil, o.fail(sum, fmt.Errorf("open mailbox: %w", err))
	}
	defer sess.Close()

	// Everything after login, including the folder select, shares the batch
	// deadline so a stalled server always tears the session down.
	batchCtx, cancel := context.WithTimeout(ctx, o.batchTimeout)
	defer cancel()

	if err := sess.Select(batchCtx, o.folder, true); err != nil {
		return nil, o.fail(sum, err)
	}

	uids, err := sess.Search(batchCtx, since)
	if err != nil {
		return nil, o.fail(sum, err)
	}
	sum.TotalEmails = len(uids)

	slog.Info("mailbox search complete", "cycle_id", sum.CycleID, "messages", len(uids))

	for i, uid := range uids {
		if batchCtx.Err() != nil {
			o.timedOut(sum, i, len(uids))
			break
		}

		msg, err := sess.Fetch(batchCtx, uid)
		if err != nil {
			if batchCtx.Err() != nil || errors.Is(err, mailbox.ErrSessionClosed) {
				o.timedOut(sum, i, len(uids))
				break
			}
			slog.Warn("fetch message failed", "cycle_id", sum.CycleID, "uid", uid, "error", err)
			sum.Errors = append(sum.Errors, models.ItemError{
				Subject: fmt.Sprintf("uid %d", uid),
				Error:   err.Error(),
			})
			continue
		}

		for _, att := range msg.Attachments {
			o.processAttachment(ctx, sum, index, att)
		}
	}

	cancel()
	sess.Close()

	if n, err := o.reconcile(ctx); err != nil {
		slog.Warn("reconcile pending files failed", "cycle_id", sum.CycleID, "error", err)
	} else if n > 0 {
		slog.Info("reconciled pending files", "cycle_id", sum.CycleID, "files", n)
	}

	sum.FinishedAt = o.now().UTC()
	o.finish(sum)
	return sum, nil
}

// processAttachment admits, stages, normalises and persists one attachment,
// recording the outcome in sum.
func (o *Orchestrator) processAttachment(ctx context.Context, sum *models.CycleSummary, index *dedup.Index, att models.Attachment) {
	if !spreadsheet.IsSpreadsheet(att.FileName) {
		slog.Debug("skipping non-spreadsheet attachment", "file", att.FileName)
		return
	}
	sum.TotalFiles++

	pf := models.ProcessedFile{
		FileName: att.FileName,
		From:     att.From,
		Subject:  att.Subject,
	}

	if index.IsDuplicate(att) {
		slog.Debug("duplicate attachment skipped",
			"file", att.FileName,
			"sender", att.From,
			"subject", att.Subject,
		)
		sum.ProcessedFiles = append(sum.ProcessedFiles, pf)
		return
	}

	stored, err := o.store.Save(att, models.SourceEmail)
	if err != nil {
		slog.Warn("store attachment failed", "file", att.FileName, "error", err)
		sum.Errors = append(sum.Errors, models.ItemError{
			Subject:  att.Subject,
			FileName: att.FileName,
			Error:    err.Error(),
		})
		return
	}
	index.Add(*stored)

	pf.IsNew = true
	pf.StoredAs = stored.ID
	sum.NewFiles++

	flights, inserted, err := o.ingestStored(ctx, stored, att.Content, sum.CycleID)
	pf.Flights = flights
	sum.ProcessedFiles = append(sum.ProcessedFiles, pf)
	if err != nil {
		slog.Warn("ingest attachment failed",
			"cycle_id", sum.CycleID,
			"file", stored.ID,
			"subject", att.Subject,
			"error", err,
		)
		sum.Errors = append(sum.Errors, models.ItemError{
			Subject:  att.Subject,
			FileName: att.FileName,
			Error:    err.Error(),
		})
		return
	}
	sum.NewFlights += inserted

	slog.Info("new flight file ingested",
		"cycle_id", sum.CycleID,
		"file", stored.ID,
		"sender", att.From,
		"subject", att.Subject,
		"flights", flights,
		"inserted", inserted,
	)
}

// ingestStored normalises a staged file and persists it. It returns the
// number of normalised flights and the number actually inserted. A parse
// failure marks the file as errored; a persistence failure leaves it
// pending for reconciliation.
func (o *Orchestrator) ingestStored(ctx context.Context, meta *models.StoredFile, content []byte, cycleID string) (int, int, error) {
	res, err := spreadsheet.Parse(content, spreadsheet.Meta{
		FileName:   meta.ID,
		Source:     meta.Source,
		IngestedAt: o.now(),
	})
	if err != nil {
		o.markError(ctx, meta, err)
		return 0, 0, err
	}
	if res.Dropped > 0 || res.Skipped > 0 {
		slog.Debug("spreadsheet rows not ingested",
			"file", meta.ID,
			"skipped", res.Skipped,
			"dropped", res.Dropped,
		)
	}

	processed := *meta
	processed.Status = models.StatusProcessed
	processed.FlightCount = res.Count()
	processed.Error = ""

	if err := o.gateway.UpsertFile(ctx, processed); err != nil {
		return res.Count(), 0, fmt.Errorf("persist file: %w", err)
	}
	inserted, err := o.gateway.UpsertFlights(ctx, res.Flights)
	if err != nil {
		return res.Count(), inserted, fmt.Errorf("persist flights: %w", err)
	}

	if _, err := o.store.UpdateStatus(meta.ID, models.StatusProcessed, res.Count(), ""); err != nil {
		slog.Warn("update sidecar status failed", "file", meta.ID, "error", err)
	}

	if o.publisher != nil {
		event := queue.FileIngested{
			CycleID:      cycleID,
			FileID:       meta.ID,
			OriginalName: meta.OriginalName,
			Source:       meta.Source,
			From:         meta.From,
			Subject:      meta.Subject,
			Flights:      res.Count(),
			NewFlights:   inserted,
			IngestedAt:   o.now().UTC(),
		}
		if err := o.publisher.PublishFileIngested(ctx, event); err != nil {
			slog.Warn("publish file event failed", "file", meta.ID, "error", err)
		}
	}

	return res.Count(), inserted, nil
}

// markError records a parse failure on the sidecar and, best effort, in the
// relational store.
func (o *Orchestrator) markError(ctx context.Context, meta *models.StoredFile, cause error) {
	updated, err := o.store.UpdateStatus(meta.ID, models.StatusError, 0, cause.Error())
	if err != nil {
		slog.Warn("update sidecar status failed", "file", meta.ID, "error", err)
		return
	}
	if err := o.gateway.UpsertFile(ctx, *updated); err != nil {
		slog.Warn("persist errored file failed", "file", meta.ID, "error", err)
	}
}

func (o *Orchestrator) timedOut(sum *models.CycleSummary, done, total int) {
	sum.TimedOut = true
	msg := fmt.Sprintf("batch timed out after %s: %d of %d messages processed", o.batchTimeout, done, total)
	sum.Errors = append(sum.Errors, models.ItemError{Error: msg})
	slog.Warn("ingestion batch timed out",
		"cycle_id", sum.CycleID,
		"processed", done,
		"total", total,
	)
}

// fail journals a session-level failure and returns err.
func (o *Orchestrator) fail(sum *models.CycleSummary, err error) error {
	slog.Error("ingestion cycle failed", "cycle_id", sum.CycleID, "error", err)

	now := o.now().UTC()
	o.appendLog(models.LogEntry{
		Level:     models.LevelError,
		Message:   fmt.Sprintf("Ingestion failed: %v", err),
		Timestamp: now,
		Details:   map[string]any{"cycle_id": sum.CycleID},
	})
	if _, jerr := o.journal.UpdateStatus(func(st *models.IngestionStatus) {
		st.LastRun = &now
		st.LastError = err.Error()
	}); jerr != nil {
		slog.Warn("update ingestion status failed", "error", jerr)
	}
	return err
}

// finish journals a completed cycle and folds its counters into the status.
func (o *Orchestrator) finish(sum *models.CycleSummary) {
	level := models.LevelSuccess
	msg := fmt.Sprintf("Ingestion completed: %d emails, %d files (%d new), %d new flights",
		sum.TotalEmails, sum.TotalFiles, sum.NewFiles, sum.NewFlights)
	lastError := ""
	if sum.TimedOut {
		level = models.LevelError
		msg = fmt.Sprintf("Ingestion timed out: %d emails, %d new files, %d new flights",
			sum.TotalEmails, sum.NewFiles, sum.NewFlights)
		lastError = sum.Errors[len(sum.Errors)-1].Error
	}

	o.appendLog(models.LogEntry{
		Level:     level,
		Message:   msg,
		Timestamp: sum.FinishedAt,
		Details: map[string]any{
			"cycle_id":    sum.CycleID,
			"outcome":     sum.Outcome(),
			"new_files":   sum.NewFiles,
			"new_flights": sum.NewFlights,
			"errors":      len(sum.Errors),
		},
	})

	finished := sum.FinishedAt
	if _, err := o.journal.UpdateStatus(func(st *models.IngestionStatus) {
		st.LastRun = &finished
		st.TotalEmails += sum.TotalEmails
		st.TotalFiles += sum.NewFiles
		st.LastError = lastError
	}); err != nil {
		slog.Warn("update ingestion status failed", "error", err)
	}

	slog.Info("ingestion cycle complete",
		"cycle_id", sum.CycleID,
		"outcome", sum.Outcome(),
		"emails", sum.TotalEmails,
		"files", sum.TotalFiles,
		"new_files", sum.NewFiles,
		"new_flights", sum.NewFlights,
		"errors", len(sum.Errors),
		"elapsed", sum.FinishedAt.Sub(sum.StartedAt),
	)
}

func (o *Orchestrator) appendLog(entry models.LogEntry) {
	if err := o.journal.Append(entry); err != nil {
		slog.Warn("append ingestion log failed", "error", err)
	}
}

// acquireLock takes the distributed lock when one is configured. A Redis
// outage degrades to process-local serialization.
func (o *Orchestrator) acquireLock(ctx context.Context) (func(), error) {
	if o.locker == nil {
		return func() {}, nil
	}

	token, err := o.locker.Acquire(ctx)
	switch {
	case errors.Is(err, cyclelock.ErrHeld):
		return nil, ErrCycleInProgress
	case err != nil:
		slog.Warn("distributed cycle lock unavailable, continuing", "error", err)
		return func() {}, nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.locker.Release(ctx, token); err != nil {
			slog.Warn("release cycle lock failed", "error", err)
		}
	}, nil
}
