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

// StoredFile is the persistent metadata of an ingested spreadsheet. ID is the
// generated on-disk name and is unique per stored copy.
type StoredFile struct {
	ID           string `json:"id"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
	From         string `json:"from,omitempty"`
	Subject      string `json:"subject,omitempty"`
	MessageDate  string `json:"message_date,omitempty"`
	Source       string `json:"source"`
	Status       string `json:"status"`
	FlightCount  int    `json:"flight_count"`
	Error        string `json:"error,omitempty"`
	ProcessedAt  string `json:"processed_at"`
}

// Fingerprint returns the duplicate-admission key of the stored file.
func (f StoredFile) Fingerprint() Fingerprint {
	return Fingerprint{
		OriginalName: f.OriginalName,
		Size:         f.Size,
		From:         f.From,
		Subject:      f.Subject,
	}
}

// FlightRecord is one normalised spreadsheet row. ID is derived from the
// source file name and row index so re-parsing yields the same identities.
type FlightRecord struct {
	ID              string `json:"id"`
	FlightNumber    string `json:"flight_number"`
	Date            string `json:"date"`
	AircraftType    string `json:"aircraft_type"`
	Departure       string `json:"departure"`
	Arrival         string `json:"arrival"`
	ActualDeparture string `json:"actual_departure"`
	ActualArrival   string `json:"actual_arrival"`
	FlightTime      string `json:"flight_time"`
	Configuration   string `json:"configuration"`
	Passengers      string `json:"passengers"`
	LoadFactor      string `json:"load_factor"`
	Baggage         string `json:"baggage"`
	Crew            string `json:"crew"`
	SourceFile      string `json:"source_file"`
	RowIndex        int    `json:"row_index"`
	IngestedAt      string `json:"ingested_at"`
	Source          string `json:"source"`
}
