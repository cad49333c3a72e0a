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

package mailbox

import (
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/flightlog/ingestion/internal/models"
)

// parseMessage decodes one RFC 822 message. Missing or undecodable sender and
// subject headers are replaced by sentinels; the message date falls back to
// the server's internal date.
func parseMessage(uid uint32, r io.Reader, internalDate time.Time) (*models.MailMessage, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("parse MIME message %d: %w", uid, err)
	}

	for _, perr := range env.Errors {
		slog.Debug("MIME parse warning", "uid", uid, "error", perr.Error())
	}

	msg := &models.MailMessage{
		UID:     uid,
		From:    headerOr(env.GetHeader("From"), models.UnknownSender),
		Subject: headerOr(env.GetHeader("Subject"), models.NoSubject),
		Date:    messageDate(env.GetHeader("Date"), internalDate),
	}

	for _, p := range fileParts(env.Root) {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			FileName: p.FileName,
			Size:     int64(len(p.Content)),
			Content:  p.Content,
			From:     msg.From,
			Subject:  msg.Subject,
			Date:     msg.Date,
		})
	}

	return msg, nil
}

// fileParts returns the leaf parts carrying a filename in document order,
// whether they are disposed as attachments or inline.
func fileParts(root *enmime.Part) []*enmime.Part {
	var out []*enmime.Part
	var walk func(p *enmime.Part)
	walk = func(p *enmime.Part) {
		for ; p != nil; p = p.NextSibling {
			if p.FirstChild != nil {
				walk(p.FirstChild)
				continue
			}
			if strings.TrimSpace(p.FileName) != "" {
				out = append(out, p)
			}
		}
	}
	walk(root)
	return out
}

func headerOr(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.ContainsRune(v, '�') {
		return fallback
	}
	return v
}

func messageDate(header string, internalDate time.Time) time.Time {
	if header != "" {
		if d, err := mail.ParseDate(header); err == nil {
			return d
		}
	}
	if !internalDate.IsZero() {
		return internalDate
	}
	return time.Now()
}
