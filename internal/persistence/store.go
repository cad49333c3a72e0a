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

// Package persistence stores ingested files and flight records in
// PostgreSQL. Flight upserts are insert-if-absent: an existing flight row is
// never modified by re-ingestion.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flightlog/ingestion/internal/models"
)

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Store provides file and flight persistence backed by Postgres.
type Store struct {
	db DB
}

// NewStore creates a store and ensures the schema exists.
func NewStore(ctx context.Context, db DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure flight schema: %w", err)
	}
	slog.Info("flight store initialised")
	return s, nil
}

// ensureSchema creates the tables if they don't exist.
func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stored_files (
			id             TEXT PRIMARY KEY,
			original_name  TEXT NOT NULL,
			size_bytes     BIGINT NOT NULL DEFAULT 0,
			sender         TEXT DEFAULT '',
			subject        TEXT DEFAULT '',
			message_date   TEXT DEFAULT '',
			source         TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			flight_count   INTEGER NOT NULL DEFAULT 0,
			error          TEXT DEFAULT '',
			processed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_files_fingerprint
			ON stored_files(original_name, size_bytes, sender, subject);

		CREATE TABLE IF NOT EXISTS flights (
			id               TEXT PRIMARY KEY,
			source_file      TEXT NOT NULL REFERENCES stored_files(id) ON DELETE CASCADE,
			row_index        INTEGER NOT NULL,
			flight_number    TEXT DEFAULT '',
			flight_date      TEXT NOT NULL,
			aircraft_type    TEXT DEFAULT '',
			departure        TEXT DEFAULT '',
			arrival          TEXT DEFAULT '',
			actual_departure TEXT DEFAULT '',
			actual_arrival   TEXT DEFAULT '',
			flight_time      TEXT DEFAULT '',
			configuration    TEXT DEFAULT '',
			passengers       TEXT DEFAULT '',
			load_factor      TEXT DEFAULT '',
			baggage          TEXT DEFAULT '',
			crew             TEXT DEFAULT '',
			source           TEXT NOT NULL,
			ingested_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_flights_source_file ON flights(source_file);
	`)
	return err
}

// UpsertFile inserts the file metadata or refreshes its processing outcome.
func (s *Store) UpsertFile(ctx context.Context, f models.StoredFile) error {
	processedAt, err := parseTimestamp(f.ProcessedAt)
	if err != nil {
		return fmt.Errorf("file %s: %w", f.ID, err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO stored_files
			(id, original_name, size_bytes, sender, subject, message_date, source,
			 status, flight_count, error, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status       = EXCLUDED.status,
			flight_count = EXCLUDED.flight_count,
			error        = EXCLUDED.error
	`, f.ID, f.OriginalName, f.Size, f.From, f.Subject, f.MessageDate, f.Source,
		f.Status, f.FlightCount, f.Error, processedAt)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", f.ID, err)
	}
	return nil
}

// UpsertFlights inserts flights whose IDs are not yet present and returns
// how many rows were actually inserted.
func (s *Store) UpsertFlights(ctx context.Context, flights []models.FlightRecord) (int, error) {
	if len(flights) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, f := range flights {
		ingestedAt, err := parseTimestamp(f.IngestedAt)
		if err != nil {
			return 0, fmt.Errorf("flight %s: %w", f.ID, err)
		}
		batch.Queue(`
			INSERT INTO flights
				(id, source_file, row_index, flight_number, flight_date, aircraft_type,
				 departure, arrival, actual_departure, actual_arrival, flight_time,
				 configuration, passengers, load_factor, baggage, crew, source, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (id) DO NOTHING
		`, f.ID, f.SourceFile, f.RowIndex, f.FlightNumber, f.Date, f.AircraftType,
			f.Departure, f.Arrival, f.ActualDeparture, f.ActualArrival, f.FlightTime,
			f.Configuration, f.Passengers, f.LoadFactor, f.Baggage, f.Crew, f.Source, ingestedAt)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range flights {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert flight: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListFiles returns all stored files, most recently processed first.
func (s *Store) ListFiles(ctx context.Context) ([]models.StoredFile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, original_name, size_bytes, sender, subject, message_date, source,
		       status, flight_count, error, processed_at
		FROM stored_files
		ORDER BY processed_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFiles(rows)
}

// GetFile returns the file with id, or nil if absent.
func (s *Store) GetFile(ctx context.Context, id string) (*models.StoredFile, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, original_name, size_bytes, sender, subject, message_date, source,
		       status, flight_count, error, processed_at
		FROM stored_files
		WHERE id = $1
	`, id)
	return scanFile(row)
}

// DeleteFile removes a file and, by cascade, its flights.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM stored_files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	return nil
}

// CountFlights returns the number of flights stored for a file.
func (s *Store) CountFlights(ctx context.Context, fileID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM flights WHERE source_file = $1`, fileID).Scan(&n)
	return n, err
}

func scanFile(row pgx.Row) (*models.StoredFile, error) {
	var (
		f  models.StoredFile
		at time.Time
	)
	err := row.Scan(
		&f.ID, &f.OriginalName, &f.Size, &f.From, &f.Subject, &f.MessageDate, &f.Source,
		&f.Status, &f.FlightCount, &f.Error, &at,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.ProcessedAt = at.UTC().Format(timestampLayout)
	return &f, nil
}

func collectFiles(rows pgx.Rows) ([]models.StoredFile, error) {
	var files []models.StoredFile
	for rows.Next() {
		var (
			f  models.StoredFile
			at time.Time
		)
		if err := rows.Scan(
			&f.ID, &f.OriginalName, &f.Size, &f.From, &f.Subject, &f.MessageDate, &f.Source,
			&f.Status, &f.FlightCount, &f.Error, &at,
		); err != nil {
			return nil, err
		}
		f.ProcessedAt = at.UTC().Format(timestampLayout)
		files = append(files, f)
	}
	return files, rows.Err()
}

func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC(), nil
	}
	for _, layout := range []string{timestampLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
}
