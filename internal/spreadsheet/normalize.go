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

// Package spreadsheet turns airline flight-log workbooks into FlightRecords.
//
// The layout is fixed: only the first sheet is read, row 2 (0-based) is the
// header and data starts at row 3. Columns are addressed by offset.
package spreadsheet

import (
	"fmt"
	"strings"
	"time"

	"github.com/flightlog/ingestion/internal/models"
)

const (
	headerRow    = 2
	firstDataRow = headerRow + 1
)

// Column offsets within a data row.
const (
	colFlightNumber = iota
	colDate
	colAircraftType
	colDeparture
	colArrival
	colActualDeparture
	colActualArrival
	colFlightTime
	colConfiguration
	colPassengers
	colLoadFactor
	colBaggage
	colCrew
)

// Meta describes where the rows came from.
type Meta struct {
	FileName   string
	Source     string
	IngestedAt time.Time
}

// Result is the outcome of normalising one sheet. An empty Flights slice is
// a valid result.
type Result struct {
	Flights []models.FlightRecord

	// Skipped counts data rows that were empty or had no date cell.
	Skipped int
	// Dropped counts rows whose date resolved to an empty or unparseable value.
	Dropped int
}

// Count returns the number of normalised flights.
func (r Result) Count() int { return len(r.Flights) }

// Normalize converts raw sheet rows into flight records in row order.
func Normalize(rows [][]string, meta Meta) Result {
	res := Result{Flights: []models.FlightRecord{}}
	ingestedAt := meta.IngestedAt.UTC().Format(time.RFC3339)

	for i := firstDataRow; i < len(rows); i++ {
		row := rows[i]
		if isBlank(row) || cell(row, colDate) == "" {
			res.Skipped++
			continue
		}

		date := DecodeSerialDate(cell(row, colDate))
		if !validDate(date) {
			res.Dropped++
			continue
		}

		res.Flights = append(res.Flights, models.FlightRecord{
			ID:              FlightID(meta.FileName, i),
			FlightNumber:    cell(row, colFlightNumber),
			Date:            date,
			AircraftType:    cell(row, colAircraftType),
			Departure:       cell(row, colDeparture),
			Arrival:         cell(row, colArrival),
			ActualDeparture: DecodeTimeFraction(cell(row, colActualDeparture)),
			ActualArrival:   DecodeTimeFraction(cell(row, colActualArrival)),
			FlightTime:      DecodeTimeFraction(cell(row, colFlightTime)),
			Configuration:   cell(row, colConfiguration),
			Passengers:      cell(row, colPassengers),
			LoadFactor:      cell(row, colLoadFactor),
			Baggage:         cell(row, colBaggage),
			Crew:            cell(row, colCrew),
			SourceFile:      meta.FileName,
			RowIndex:        i,
			IngestedAt:      ingestedAt,
			Source:          meta.Source,
		})
	}

	return res
}

// FlightID is the stable identity of the flight at rowIndex of fileName.
func FlightID(fileName string, rowIndex int) string {
	return fmt.Sprintf("flight_%s_%d", fileName, rowIndex)
}

func cell(row []string, col int) string {
	if col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
