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

// Package dedup decides whether an email attachment has already been
// ingested. Two attachments are the same iff original name, byte size,
// sender and subject all match; the sender and subject anchor the file to a
// real-world message, so a monthly file reusing last month's name is still
// new data.
package dedup

import (
	"github.com/flightlog/ingestion/internal/models"
)

// Index is an in-memory set of fingerprints of email-sourced stored files.
// It is owned by a single cycle and is not safe for concurrent use.
type Index struct {
	seen map[models.Fingerprint]struct{}
}

// NewIndex builds an index from previously stored files. Files that did not
// arrive by email never take part in duplicate admission.
func NewIndex(files []models.StoredFile) *Index {
	idx := &Index{seen: make(map[models.Fingerprint]struct{}, len(files))}
	for _, f := range files {
		idx.Add(f)
	}
	return idx
}

// Add records a stored file so later candidates in the same cycle see it.
func (i *Index) Add(f models.StoredFile) {
	if f.Source != models.SourceEmail {
		return
	}
	i.seen[f.Fingerprint()] = struct{}{}
}

// IsDuplicate returns true if an email-sourced file with the same
// fingerprint is already indexed.
func (i *Index) IsDuplicate(a models.Attachment) bool {
	_, ok := i.seen[a.Fingerprint()]
	return ok
}

// Len returns the number of distinct fingerprints indexed.
func (i *Index) Len() int { return len(i.seen) }

// IsDuplicate reports whether candidate matches any email-sourced file in
// existing.
func IsDuplicate(candidate models.Attachment, existing []models.StoredFile) bool {
	fp := candidate.Fingerprint()
	for _, f := range existing {
		if f.Source == models.SourceEmail && f.Fingerprint() == fp {
			return true
		}
	}
	return false
}
