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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// Provenance tags recorded on stored files and flight records.
const (
	SourceEmail  = "email"
	SourceManual = "manual"
)

// StoredFile processing states.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusError     = "error"
)

// Sentinel header values substituted when a message arrives with missing or
// undecodable headers.
const (
	UnknownSender = "Неизвестно"
	NoSubject     = "Без темы"
)

// MailMessage is one message materialised from a mailbox fetch. It is
// discarded once its attachments have been routed.
type MailMessage struct {
	UID         uint32
	From        string
	Subject     string
	Date        time.Time
	Attachments []Attachment
}

// Attachment is a file attached to a MailMessage, carrying a copy of the
// parent message context needed for fingerprinting.
type Attachment struct {
	FileName string
	Size     int64
	Content  []byte

	From    string
	Subject string
	Date    time.Time
}

// Fingerprint returns the duplicate-admission key of the attachment.
func (a Attachment) Fingerprint() Fingerprint {
	return Fingerprint{
		OriginalName: a.FileName,
		Size:         a.Size,
		From:         a.From,
		Subject:      a.Subject,
	}
}

// Fingerprint is the (original name, size, sender, subject) tuple used to
// decide whether an email attachment has been ingested already.
type Fingerprint struct {
	OriginalName string
	Size         int64
	From         string
	Subject      string
}
