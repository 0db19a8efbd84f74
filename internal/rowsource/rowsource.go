// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package rowsource loads bulk upload files into memory and writes the
// remaining rows of a preempted batch back out.
package rowsource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for spreadsheet formats that are not CSV.
var ErrUnsupportedFormat = errors.New("unsupported row source format")

// Rows is a header plus every data record of a bulk file. Header names
// are trimmed and lower-cased; records keep their original encoding.
type Rows struct {
	Header  []string
	Records [][]string

	index map[string]int
}

// New builds Rows from a header and records.
func New(header []string, records [][]string) *Rows {
	r := &Rows{Header: header, Records: records}
	r.buildIndex()
	return r
}

func (r *Rows) buildIndex() {
	r.index = make(map[string]int, len(r.Header))
	for i, h := range r.Header {
		if _, dup := r.index[h]; !dup {
			r.index[h] = i
		}
	}
}

// Len returns the number of data records.
func (r *Rows) Len() int {
	return len(r.Records)
}

// Value returns the trimmed value of column in record i, or "" when the
// column is absent or the record is short.
func (r *Rows) Value(i int, column string) string {
	col, ok := r.index[column]
	if !ok || i < 0 || i >= len(r.Records) {
		return ""
	}
	rec := r.Records[i]
	if col >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[col])
}

// HasColumn reports whether the header contains column.
func (r *Rows) HasColumn(column string) bool {
	_, ok := r.index[column]
	return ok
}

// From returns the records starting at index from, sharing the header.
func (r *Rows) From(from int) *Rows {
	if from < 0 {
		from = 0
	}
	if from > len(r.Records) {
		from = len(r.Records)
	}
	return New(r.Header, r.Records[from:])
}

// Chunk splits the records into groups of at most size.
func (r *Rows) Chunk(size int) []*Rows {
	if size <= 0 {
		size = len(r.Records)
	}
	var out []*Rows
	for start := 0; start < len(r.Records); start += size {
		end := min(start+size, len(r.Records))
		out = append(out, New(r.Header, r.Records[start:end]))
	}
	return out
}

// Load reads the file at path.
func Load(path string) (*Rows, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xls":
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open row source: %w", err)
	}
	defer f.Close()

	rows, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

// Read parses CSV from r. The first record is the header.
func Read(r io.Reader) (*Rows, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1 // Allow variable number of fields

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("CSV file has no headers")
		}
		return nil, fmt.Errorf("failed to read CSV headers: %w", err)
	}
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}

	var records [][]string
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("CSV read error at line %d: %w", line, err)
		}
		if isBlank(rec) {
			continue
		}
		records = append(records, rec)
	}
	return New(header, records), nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// WriteCSV writes rows to path, header first. The file is written under a
// temporary name in the same directory and renamed into place.
func WriteCSV(path string, rows *Rows) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return fmt.Errorf("failed to create continuation file: %w", err)
	}
	tmpName := tmp.Name()

	w := csv.NewWriter(tmp)
	err = w.Write(rows.Header)
	if err == nil {
		err = w.WriteAll(rows.Records)
	}
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write continuation rows: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close continuation file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move continuation file into place: %w", err)
	}
	return nil
}
