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

// Package attachments stages raw spreadsheet bytes on disk next to a JSON
// sidecar describing where they came from. The staging area works without
// the database, which lets pending files be reconciled later.
package attachments

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flightlog/ingestion/internal/fsutil"
	"github.com/flightlog/ingestion/internal/models"
)

// TimestampLayout is the ISO rendering of StoredFile.ProcessedAt.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const sidecarExt = ".meta.json"

// ErrNotFound is returned when no stored file has the requested ID.
var ErrNotFound = errors.New("stored file not found")

// ErrInvalidID is returned for ids that could escape the staging directory.
var ErrInvalidID = errors.New("invalid stored file id")

// Store is a directory of attachment bytes and sidecar metadata.
type Store struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewStore creates the staging directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the staging directory.
func (s *Store) Dir() string { return s.dir }

// Save writes the attachment under a generated name and records its
// metadata with status pending. Callers consult the duplicate index first.
func (s *Store) Save(att models.Attachment, source string) (*models.StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	id := s.uniqueID(now, att.FileName)

	meta := &models.StoredFile{
		ID:           id,
		OriginalName: att.FileName,
		Size:         att.Size,
		From:         att.From,
		Subject:      att.Subject,
		Source:       source,
		Status:       models.StatusPending,
		ProcessedAt:  now.Format(TimestampLayout),
	}
	if !att.Date.IsZero() {
		meta.MessageDate = att.Date.UTC().Format(time.RFC3339)
	}

	if err := fsutil.WriteFileAtomic(s.contentPath(id), att.Content, 0o644); err != nil {
		return nil, fmt.Errorf("write attachment %s: %w", id, err)
	}
	if err := fsutil.WriteJSON(s.sidecarPath(id), meta); err != nil {
		os.Remove(s.contentPath(id))
		return nil, fmt.Errorf("write sidecar %s: %w", id, err)
	}

	slog.Debug("attachment stored", "id", id, "size", att.Size, "source", source)
	return meta, nil
}

// UpdateStatus rewrites the sidecar of id with the processing outcome.
func (s *Store) UpdateStatus(id, status string, flights int, errText string) (*models.StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.get(id)
	if err != nil {
		return nil, err
	}

	meta.Status = status
	meta.FlightCount = flights
	meta.Error = errText

	if err := fsutil.WriteJSON(s.sidecarPath(id), meta); err != nil {
		return nil, fmt.Errorf("update sidecar %s: %w", id, err)
	}
	return meta, nil
}

// Get returns the metadata of id.
func (s *Store) Get(id string) (*models.StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

// Content returns the raw bytes of id.
func (s *Store) Content(id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.contentPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return data, err
}

// ListAll returns every stored file's metadata, most recently processed
// first. Unreadable sidecars are skipped with a warning.
func (s *Store) ListAll() ([]models.StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read attachment dir: %w", err)
	}

	files := make([]models.StoredFile, 0, len(entries)/2)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sidecarExt) {
			continue
		}
		var meta models.StoredFile
		if err := fsutil.ReadJSON(filepath.Join(s.dir, e.Name()), &meta); err != nil {
			slog.Warn("skipping unreadable sidecar", "file", e.Name(), "error", err)
			continue
		}
		files = append(files, meta)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return processedAt(files[i]).After(processedAt(files[j]))
	})
	return files, nil
}

// Remove deletes the bytes and sidecar of id. Already-absent bytes are not
// an error.
func (s *Store) Remove(id string) error {
	if err := validID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.contentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove attachment %s: %w", id, err)
	}
	if err := os.Remove(s.sidecarPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove sidecar %s: %w", id, err)
	}
	return nil
}

func (s *Store) get(id string) (*models.StoredFile, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var meta models.StoredFile
	if err := fsutil.ReadJSON(s.sidecarPath(id), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &meta, nil
}

// uniqueID builds "<unix millis>_<name>", bumping the prefix until no file
// with that name exists. Must be called with s.mu held.
func (s *Store) uniqueID(now time.Time, name string) string {
	base := sanitizeName(name)
	stamp := now.UnixMilli()
	for {
		id := fmt.Sprintf("%d_%s", stamp, base)
		if _, err := os.Stat(s.sidecarPath(id)); errors.Is(err, os.ErrNotExist) {
			return id
		}
		stamp++
	}
}

func (s *Store) contentPath(id string) string { return filepath.Join(s.dir, id) }
func (s *Store) sidecarPath(id string) string { return filepath.Join(s.dir, id+sidecarExt) }

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}

func validID(id string) error {
	if id == "" || filepath.Base(id) != id || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func processedAt(f models.StoredFile) time.Time {
	t, err := time.Parse(TimestampLayout, f.ProcessedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
