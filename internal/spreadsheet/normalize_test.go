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

package spreadsheet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/flightlog/ingestion/internal/models"
)

var testMeta = Meta{
	FileName:   "march.xlsx",
	Source:     models.SourceEmail,
	IngestedAt: time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC),
}

func preamble() [][]string {
	return [][]string{
		{"Flight log"},
		{},
		{"Flight", "Date", "Type", "From", "To", "ATD", "ATA", "Block", "Config", "Pax", "LF%", "Bags", "Crew"},
	}
}

func TestNormalize_FewerThanFourRows(t *testing.T) {
	res := Normalize(preamble(), testMeta)
	assert.NotNil(t, res.Flights)
	assert.Empty(t, res.Flights)
	assert.Equal(t, 0, res.Count())

	res = Normalize(nil, testMeta)
	assert.Empty(t, res.Flights)
}

func TestNormalize_MapsColumns(t *testing.T) {
	rows := append(preamble(),
		[]string{"SU100", "45352", "A320", "SVO", "LED", "0.3542", "0.4375", "0.0833", "C12Y138", "140", "92", "1830", "Ivanov/Petrov"},
	)

	res := Normalize(rows, testMeta)
	require.Len(t, res.Flights, 1)

	f := res.Flights[0]
	assert.Equal(t, "flight_march.xlsx_3", f.ID)
	assert.Equal(t, "SU100", f.FlightNumber)
	assert.Equal(t, "01.03.2024", f.Date)
	assert.Equal(t, "A320", f.AircraftType)
	assert.Equal(t, "SVO", f.Departure)
	assert.Equal(t, "LED", f.Arrival)
	assert.Equal(t, "08:30", f.ActualDeparture)
	assert.Equal(t, "10:30", f.ActualArrival)
	assert.Equal(t, "02:00", f.FlightTime)
	assert.Equal(t, "C12Y138", f.Configuration)
	assert.Equal(t, "140", f.Passengers)
	assert.Equal(t, "92", f.LoadFactor)
	assert.Equal(t, "1830", f.Baggage)
	assert.Equal(t, "Ivanov/Petrov", f.Crew)
	assert.Equal(t, "march.xlsx", f.SourceFile)
	assert.Equal(t, 3, f.RowIndex)
	assert.Equal(t, "2024-03-31T12:00:00Z", f.IngestedAt)
	assert.Equal(t, models.SourceEmail, f.Source)
}

func TestNormalize_ShortRowDefaultsToEmpty(t *testing.T) {
	rows := append(preamble(), []string{"SU200", "45353"})

	res := Normalize(rows, testMeta)
	require.Len(t, res.Flights, 1)
	assert.Equal(t, "", res.Flights[0].Crew)
	assert.Equal(t, "", res.Flights[0].ActualDeparture)
}

func TestNormalize_SkipsAndDropsRows(t *testing.T) {
	rows := append(preamble(),
		[]string{"SU1", "45352"},
		[]string{},
		[]string{"SU2", ""},
		[]string{"SU3", "not a date"},
		[]string{"SU4", "0"},
		[]string{"SU5", "02.03.2024"},
	)

	res := Normalize(rows, testMeta)
	require.Len(t, res.Flights, 2)
	assert.Equal(t, "flight_march.xlsx_3", res.Flights[0].ID)
	assert.Equal(t, "flight_march.xlsx_8", res.Flights[1].ID)
	assert.Equal(t, "02.03.2024", res.Flights[1].Date)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, res.Dropped)
}

func TestNormalize_StableIdentities(t *testing.T) {
	rows := append(preamble(),
		[]string{"SU1", "45352"},
		[]string{"SU2", "45353"},
	)

	first := Normalize(rows, testMeta)
	later := testMeta
	later.IngestedAt = later.IngestedAt.Add(24 * time.Hour)
	second := Normalize(rows, later)

	require.Equal(t, first.Count(), second.Count())
	for i := range first.Flights {
		assert.Equal(t, first.Flights[i].ID, second.Flights[i].ID)
	}
}

func TestParse_XLSXWorkbook(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"Flight", "Date", "Type"}))
	require.NoError(t, f.SetSheetRow(sheet, "A4", &[]interface{}{"SU100", 45292, "A321", "SVO", "AER", 0.5, 0.625, 0.125}))
	require.NoError(t, f.SetSheetRow(sheet, "A5", &[]interface{}{"SU102", nil, "A321"}))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res, err := Parse(buf.Bytes(), testMeta)
	require.NoError(t, err)
	require.Len(t, res.Flights, 1)
	assert.Equal(t, "01.01.2024", res.Flights[0].Date)
	assert.Equal(t, "12:00", res.Flights[0].ActualDeparture)
	assert.Equal(t, "15:00", res.Flights[0].ActualArrival)
	assert.Equal(t, "03:00", res.Flights[0].FlightTime)
}

func TestParse_MalformedWorkbook(t *testing.T) {
	_, err := Parse([]byte("definitely not a zip"), testMeta)
	require.Error(t, err)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "march.xlsx", pe.File)
}

func TestReadRows_UnsupportedFormat(t *testing.T) {
	_, err := ReadRows("notes.csv", []byte("a,b"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestIsSpreadsheet(t *testing.T) {
	assert.True(t, IsSpreadsheet("March.XLSX"))
	assert.True(t, IsSpreadsheet("old.xls"))
	assert.False(t, IsSpreadsheet("scan.pdf"))
	assert.False(t, IsSpreadsheet("xlsx"))
}
