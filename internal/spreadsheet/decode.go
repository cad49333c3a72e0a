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
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the rendering of decoded calendar dates.
const DateLayout = "02.01.2006"

// phantomLeapDay is serial 60, the 29 February 1900 that the legacy
// spreadsheet calendar counts but the Gregorian calendar does not have.
const phantomLeapDay = 60

// DecodeSerialDate converts a serial day number (1 = 1 January 1900) into a
// DD.MM.YYYY string. Values that are not numeric are returned unchanged.
// Serials below 1 decode to "".
func DecodeSerialDate(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}

	f, ok := parseNumber(v)
	if !ok {
		return v
	}

	serial := int(math.Floor(f))
	if serial < 1 {
		return ""
	}
	if serial == phantomLeapDay {
		return "29.02.1900"
	}

	adjust := 0
	if serial > phantomLeapDay-1 {
		adjust = 1
	}

	// time.Date normalises the day overflow on calendar components, so no
	// instant arithmetic (and no zone drift) is involved.
	d := time.Date(1900, time.January, 1+serial-1-adjust, 0, 0, 0, 0, time.UTC)
	return d.Format(DateLayout)
}

// DecodeTimeFraction converts a fraction of a 24-hour day into HH:MM,
// rounding to the nearest minute. The whole-day part is discarded, so a
// combined date-time serial yields its clock time and a value that rounds up
// to midnight renders as 00:00. Strings that already contain a colon, and
// non-numeric strings, are returned unchanged.
func DecodeTimeFraction(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.Contains(v, ":") {
		return v
	}

	f, ok := parseNumber(v)
	if !ok || f < 0 {
		return v
	}

	minutes := int(math.Round(f*1440)) % 1440
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func parseNumber(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// acceptedDateLayouts are the pre-formatted date renderings a row may carry
// instead of a serial number.
var acceptedDateLayouts = []string{
	DateLayout,
	"2.1.2006",
	"02/01/2006",
	"2006-01-02",
	"2006.01.02 15:04:05",
	time.RFC3339,
}

// validDate reports whether a resolved date string names a real calendar
// day.
func validDate(s string) bool {
	if s == "" {
		return false
	}
	if s == "29.02.1900" {
		return true
	}
	for _, layout := range acceptedDateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
