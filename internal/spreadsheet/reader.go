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
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for attachments that are not .xls/.xlsx.
var ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")

// ParseError reports a malformed workbook. It affects only the attachment it
// came from.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse spreadsheet %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsSpreadsheet reports whether fileName has an accepted workbook extension.
func IsSpreadsheet(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xls", ".xlsx":
		return true
	}
	return false
}

// ReadRows returns the cell values of the first sheet of a workbook. Numeric
// cells are returned as their raw stored value so serial dates and time
// fractions survive undecorated.
func ReadRows(fileName string, content []byte) ([][]string, error) {
	var (
		rows [][]string
		err  error
	)

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx":
		rows, err = readXLSX(content)
	case ".xls":
		rows, err = readXLS(content)
	default:
		return nil, &ParseError{File: fileName, Err: ErrUnsupportedFormat}
	}
	if err != nil {
		return nil, &ParseError{File: fileName, Err: err}
	}
	return rows, nil
}

// Parse reads and normalises a workbook in one step.
func Parse(content []byte, meta Meta) (Result, error) {
	rows, err := ReadRows(meta.FileName, content)
	if err != nil {
		return Result{}, err
	}
	return Normalize(rows, meta), nil
}

func readXLSX(content []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func readXLS(content []byte) (rows [][]string, err error) {
	// The BIFF reader panics on some truncated streams.
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("corrupt xls stream: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(content), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	if wb.NumSheets() == 0 {
		return nil, errors.New("workbook has no sheets")
	}

	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, errors.New("first sheet is unreadable")
	}

	rows = make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for j := 0; j < row.LastCol(); j++ {
			cells = append(cells, row.Col(j))
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
