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
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/flightlog/ingestion/internal/attachments"
	"github.com/flightlog/ingestion/internal/cyclelock"
	"github.com/flightlog/ingestion/internal/journal"
	"github.com/flightlog/ingestion/internal/mailbox"
	"github.com/flightlog/ingestion/internal/models"
	"github.com/flightlog/ingestion/internal/queue"
)

// --- Mock mailbox ---

type fakeSession struct {
	mu        sync.Mutex
	uids      []uint32
	messages  map[uint32]*models.MailMessage
	selectErr error
	searchErr error

	// blockSelect makes Select wait for the context to end.
	blockSelect bool
	// blockFetch makes Fetch of that uid wait for the context to end.
	blockFetch uint32
	// searchStarted/searchRelease let a test hold a cycle inside Search.
	searchStarted chan struct{}
	searchRelease chan struct{}

	closed int
}

func (s *fakeSession) Select(ctx context.Context, name string, readOnly bool) error {
	if s.blockSelect {
		<-ctx.Done()
		return fmt.Errorf("%w: select %q: %v", mailbox.ErrTimeout, name, ctx.Err())
	}
	return s.selectErr
}

func (s *fakeSession) Search(ctx context.Context, since time.Time) ([]uint32, error) {
	if s.searchStarted != nil {
		close(s.searchStarted)
		<-s.searchRelease
	}
	return s.uids, s.searchErr
}

func (s *fakeSession) Fetch(ctx context.Context, uid uint32) (*models.MailMessage, error) {
	if uid == s.blockFetch {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: fetch uid %d: %v", mailbox.ErrTimeout, uid, ctx.Err())
	}
	msg, ok := s.messages[uid]
	if !ok {
		return nil, fmt.Errorf("%w: fetch uid %d: no such message", mailbox.ErrConnectivity, uid)
	}
	return msg, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeOpener struct {
	sess  *fakeSession
	err   error
	opens int
}

func (o *fakeOpener) Open(ctx context.Context) (Session, error) {
	o.opens++
	if o.err != nil {
		return nil, o.err
	}
	return o.sess, nil
}

// --- Mock gateway ---

type fakeGateway struct {
	mu      sync.Mutex
	files   map[string]models.StoredFile
	flights map[string]models.FlightRecord
	failErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		files:   map[string]models.StoredFile{},
		flights: map[string]models.FlightRecord{},
	}
}

func (g *fakeGateway) UpsertFile(_ context.Context, f models.StoredFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failErr != nil {
		return g.failErr
	}
	g.files[f.ID] = f
	return nil
}

func (g *fakeGateway) UpsertFlights(_ context.Context, flights []models.FlightRecord) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failErr != nil {
		return 0, g.failErr
	}
	inserted := 0
	for _, f := range flights {
		if _, ok := g.flights[f.ID]; ok {
			continue
		}
		g.flights[f.ID] = f
		inserted++
	}
	return inserted, nil
}

func (g *fakeGateway) ListFiles(_ context.Context) ([]models.StoredFile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failErr != nil {
		return nil, g.failErr
	}
	out := make([]models.StoredFile, 0, len(g.files))
	for _, f := range g.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeGateway) DeleteFile(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.files, id)
	for fid, f := range g.flights {
		if f.SourceFile == id {
			delete(g.flights, fid)
		}
	}
	return nil
}

func (g *fakeGateway) flightCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}

// --- Mock publisher and locker ---

type fakePublisher struct {
	events []queue.FileIngested
}

func (p *fakePublisher) PublishFileIngested(_ context.Context, e queue.FileIngested) error {
	p.events = append(p.events, e)
	return nil
}

type fakeLocker struct {
	held     bool
	released []string
}

func (l *fakeLocker) Acquire(context.Context) (string, error) {
	if l.held {
		return "", cyclelock.ErrHeld
	}
	return "tok", nil
}

func (l *fakeLocker) Release(_ context.Context, token string) error {
	l.released = append(l.released, token)
	return nil
}

// --- Test helpers ---

type harness struct {
	orch    *Orchestrator
	opener  *fakeOpener
	session *fakeSession
	gateway *fakeGateway
	store   *attachments.Store
	journal *journal.Journal
}

func newHarness(t *testing.T, messages ...*models.MailMessage) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := attachments.NewStore(filepath.Join(dir, "files"))
	require.NoError(t, err)
	jr, err := journal.New(filepath.Join(dir, "journal"))
	require.NoError(t, err)

	sess := &fakeSession{messages: map[uint32]*models.MailMessage{}}
	for _, m := range messages {
		sess.uids = append(sess.uids, m.UID)
		sess.messages[m.UID] = m
	}

	h := &harness{
		opener:  &fakeOpener{sess: sess},
		session: sess,
		gateway: newFakeGateway(),
		store:   store,
		journal: jr,
	}
	h.orch = New(Config{
		Opener:       h.opener,
		Gateway:      h.gateway,
		Store:        store,
		Journal:      jr,
		BatchTimeout: time.Second,
	})
	return h
}

// flightWorkbook builds an .xlsx with the three preamble rows followed by
// rows. A nil date leaves the date cell empty.
func flightWorkbook(t *testing.T, dates ...any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Flight log"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"Flight", "Date", "Type", "From", "To"}))
	for i, d := range dates {
		row := []any{fmt.Sprintf("SU%03d", 100+i), d, "A321", "SVO", "AER", 0.25, 0.375, 0.125}
		require.NoError(t, f.SetSheetRow(sheet, fmt.Sprintf("A%d", 4+i), &row))
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func marchWorkbook(t *testing.T) []byte {
	return flightWorkbook(t, 45352, 45353, nil, 45354, 45355)
}

func message(uid uint32, subject, name string, content []byte) *models.MailMessage {
	date := time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC)
	return &models.MailMessage{
		UID:     uid,
		From:    "ops@airline.test",
		Subject: subject,
		Date:    date,
		Attachments: []models.Attachment{{
			FileName: name,
			Size:     int64(len(content)),
			Content:  content,
			From:     "ops@airline.test",
			Subject:  subject,
			Date:     date,
		}},
	}
}

// --- Tests ---

func TestRunCycle_MarchReport(t *testing.T) {
	h := newHarness(t, message(1, "March report", "march.xlsx", marchWorkbook(t)))
	pub := &fakePublisher{}
	h.orch.publisher = pub

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.TotalEmails)
	assert.Equal(t, 1, sum.TotalFiles)
	assert.Equal(t, 1, sum.NewFiles)
	assert.Equal(t, 4, sum.NewFlights)
	assert.Empty(t, sum.Errors)
	assert.Equal(t, models.OutcomeNewFiles, sum.Outcome())
	require.Len(t, sum.ProcessedFiles, 1)
	assert.True(t, sum.ProcessedFiles[0].IsNew)
	assert.Equal(t, 4, sum.ProcessedFiles[0].Flights)

	assert.Equal(t, 4, h.gateway.flightCount())

	stored, err := h.store.ListAll()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.StatusProcessed, stored[0].Status)
	assert.Equal(t, 4, stored[0].FlightCount)
	assert.Equal(t, models.SourceEmail, stored[0].Source)

	require.Len(t, pub.events, 1)
	assert.Equal(t, stored[0].ID, pub.events[0].FileID)
	assert.Equal(t, sum.CycleID, pub.events[0].CycleID)

	logs, err := h.orch.Logs(0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LevelSuccess, logs[0].Level)

	st, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalEmails)
	assert.Equal(t, 1, st.TotalFiles)
	assert.NotNil(t, st.LastRun)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, h.session.closed)
}

func TestRunCycle_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t, message(1, "March report", "march.xlsx", marchWorkbook(t)))

	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.TotalFiles)
	assert.Equal(t, 0, sum.NewFiles)
	assert.Equal(t, 0, sum.NewFlights)
	require.Len(t, sum.ProcessedFiles, 1)
	assert.False(t, sum.ProcessedFiles[0].IsNew)
	assert.Equal(t, models.OutcomeNoNewMail, sum.Outcome())

	assert.Equal(t, 4, h.gateway.flightCount())
	stored, err := h.store.ListAll()
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRunCycle_DifferentSubjectIsNew(t *testing.T) {
	content := marchWorkbook(t)
	h := newHarness(t, message(1, "March report", "march.xlsx", content))

	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	resend := message(2, "Fwd: March report", "march.xlsx", content)
	h.session.uids = append(h.session.uids, resend.UID)
	h.session.messages[resend.UID] = resend

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, sum.ProcessedFiles, 2)
	assert.False(t, sum.ProcessedFiles[0].IsNew)
	assert.True(t, sum.ProcessedFiles[1].IsNew)
	assert.Equal(t, 1, sum.NewFiles)

	stored, err := h.store.ListAll()
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRunCycle_SkipsNonSpreadsheets(t *testing.T) {
	msg := message(1, "Photos", "ramp.jpg", []byte("jpeg"))
	h := newHarness(t, msg)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.TotalEmails)
	assert.Equal(t, 0, sum.TotalFiles)
	assert.Empty(t, sum.ProcessedFiles)
	assert.Equal(t, models.OutcomeNoNewMail, sum.Outcome())
}

func TestRunCycle_ConnectTimeout(t *testing.T) {
	h := newHarness(t, message(1, "March report", "march.xlsx", marchWorkbook(t)))
	h.opener.err = fmt.Errorf("%w: connect imap.airline.test:993: i/o timeout", mailbox.ErrTimeout)

	sum, err := h.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.True(t, errors.Is(err, mailbox.ErrTimeout))

	st, err := h.orch.Status()
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "timed out")

	logs, err := h.orch.Logs(0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LevelError, logs[0].Level)

	stored, err := h.store.ListAll()
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, 0, h.gateway.flightCount())
	assert.Empty(t, h.gateway.files)
}

func TestRunCycle_SelectFailureClosesSession(t *testing.T) {
	h := newHarness(t)
	h.session.selectErr = fmt.Errorf("%w: select %q", mailbox.ErrMailbox, "Flights")

	_, err := h.orch.RunCycle(context.Background())
	require.True(t, errors.Is(err, mailbox.ErrMailbox))
	assert.GreaterOrEqual(t, h.session.closed, 1)
}

func TestRunCycle_StalledSelectIsBounded(t *testing.T) {
	h := newHarness(t)
	h.session.blockSelect = true
	h.orch.batchTimeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunCycle(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, mailbox.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not give up on a stalled folder select")
	}
	assert.GreaterOrEqual(t, h.session.closed, 1)

	st, err := h.orch.Status()
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "timed out")

	h.session.blockSelect = false
	_, err = h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.opener.opens)
}

func TestRunCycle_ParseErrorDoesNotAbort(t *testing.T) {
	broken := message(1, "Broken", "broken.xlsx", []byte("not a workbook"))
	good := message(2, "March report", "march.xlsx", marchWorkbook(t))
	h := newHarness(t, broken, good)

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "broken.xlsx", sum.Errors[0].FileName)
	assert.Equal(t, models.OutcomeErrors, sum.Outcome())
	require.Len(t, sum.ProcessedFiles, 2)
	assert.True(t, sum.ProcessedFiles[0].IsNew)
	assert.Equal(t, 0, sum.ProcessedFiles[0].Flights)
	assert.Equal(t, 4, sum.NewFlights)

	stored, err := h.store.Get(sum.ProcessedFiles[0].StoredAs)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, stored.Status)
	assert.NotEmpty(t, stored.Error)
	assert.Equal(t, models.StatusError, h.gateway.files[stored.ID].Status)
}

func TestRunCycle_FetchErrorIsPerMessage(t *testing.T) {
	good := message(2, "March report", "march.xlsx", marchWorkbook(t))
	h := newHarness(t, good)
	h.session.uids = []uint32{1, 2}

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.TotalEmails)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "uid 1", sum.Errors[0].Subject)
	assert.Equal(t, 1, sum.NewFiles)
	assert.False(t, sum.TimedOut)
}

func TestRunCycle_BatchTimeoutKeepsCompletedWork(t *testing.T) {
	good := message(1, "March report", "march.xlsx", marchWorkbook(t))
	h := newHarness(t, good)
	h.session.uids = []uint32{1, 2, 3}
	h.session.blockFetch = 2
	h.orch.batchTimeout = 50 * time.Millisecond

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, sum.TimedOut)
	assert.Equal(t, 1, sum.NewFiles)
	assert.Equal(t, 4, h.gateway.flightCount())
	require.NotEmpty(t, sum.Errors)
	assert.Contains(t, sum.Errors[len(sum.Errors)-1].Error, "1 of 3 messages")

	logs, err := h.orch.Logs(1)
	require.NoError(t, err)
	assert.Equal(t, models.LevelError, logs[0].Level)

	st, err := h.orch.Status()
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "timed out")
}

func TestRunCycle_RejectsConcurrentCycle(t *testing.T) {
	h := newHarness(t)
	h.session.searchStarted = make(chan struct{})
	h.session.searchRelease = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunCycle(context.Background())
		done <- err
	}()

	<-h.session.searchStarted
	_, err := h.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(h.session.searchRelease)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.opener.opens)
}

func TestRunCycle_DistributedLockHeld(t *testing.T) {
	h := newHarness(t)
	locker := &fakeLocker{held: true}
	h.orch.locker = locker

	_, err := h.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Equal(t, 0, h.opener.opens)

	locker.held = false
	_, err = h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tok"}, locker.released)
}

func TestReconcile_RetriesPendingFiles(t *testing.T) {
	h := newHarness(t, message(1, "March report", "march.xlsx", marchWorkbook(t)))
	h.gateway.failErr = errors.New("connection refused")

	sum, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Errors, 1)

	stored, err := h.store.ListAll()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.StatusPending, stored[0].Status)

	h.gateway.failErr = nil
	n, err := h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, h.gateway.flightCount())

	updated, err := h.store.Get(stored[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, updated.Status)

	n, err = h.orch.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIngestFile_Manual(t *testing.T) {
	h := newHarness(t)
	content := marchWorkbook(t)

	pf, err := h.orch.IngestFile(context.Background(), "march.xlsx", content)
	require.NoError(t, err)
	assert.True(t, pf.IsNew)
	assert.Equal(t, 4, pf.Flights)

	meta, err := h.store.Get(pf.StoredAs)
	require.NoError(t, err)
	assert.Equal(t, models.SourceManual, meta.Source)
	assert.Equal(t, models.SourceManual, h.gateway.files[pf.StoredAs].Source)

	// Manual uploads are never treated as duplicates.
	again, err := h.orch.IngestFile(context.Background(), "march.xlsx", content)
	require.NoError(t, err)
	assert.NotEqual(t, pf.StoredAs, again.StoredAs)
	assert.Equal(t, 8, h.gateway.flightCount())

	_, err = h.orch.IngestFile(context.Background(), "notes.txt", []byte("x"))
	assert.Error(t, err)
}

func TestDeleteFile(t *testing.T) {
	h := newHarness(t)
	pf, err := h.orch.IngestFile(context.Background(), "march.xlsx", marchWorkbook(t))
	require.NoError(t, err)

	require.NoError(t, h.orch.DeleteFile(context.Background(), pf.StoredAs))
	assert.Equal(t, 0, h.gateway.flightCount())
	assert.Empty(t, h.gateway.files)

	_, err = h.store.Get(pf.StoredAs)
	assert.True(t, IsNotFound(err))

	err = h.orch.DeleteFile(context.Background(), pf.StoredAs)
	assert.True(t, IsNotFound(err))
}

func TestListFiles_FallsBackToStaging(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.IngestFile(context.Background(), "march.xlsx", marchWorkbook(t))
	require.NoError(t, err)

	h.gateway.failErr = errors.New("connection refused")
	files, err := h.orch.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestSetSchedule(t *testing.T) {
	h := newHarness(t)
	next := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, h.orch.SetSchedule(true, next))
	st, err := h.orch.Status()
	require.NoError(t, err)
	require.NotNil(t, st.NextRun)
	assert.True(t, st.NextRun.Equal(next))

	require.NoError(t, h.orch.SetSchedule(false, time.Time{}))
	st, err = h.orch.Status()
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Nil(t, st.NextRun)
}
