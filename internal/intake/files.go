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

package intake

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cardinalhq/stockrunner/internal/rowsource"
	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

const wideSearchPrefix = "wide_search_"

var (
	errBadRequest = errors.New("bad request")
	unsafeChars   = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// uploadName returns the stored name of an uploaded file:
// <tenant>_<infix><sanitized base>_<id>.csv. The id keeps a re-upload of
// the same file from landing on a path still in use.
func uploadName(tenant, infix, filename, id string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := filepath.Ext(base)
	if strings.ToLower(ext) != ".csv" {
		return "", fmt.Errorf("%w: %q", rowsource.ErrUnsupportedFormat, base)
	}
	stem := strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSuffix(base, ext), "_"), "._")
	if stem == "" {
		return "", fmt.Errorf("%w: invalid file name %q", errBadRequest, filename)
	}
	return tenant + "_" + infix + stem + "_" + id + ".csv", nil
}

// reserve creates path, failing if it already exists.
func reserve(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s already exists", os.ErrExist, filepath.Base(path))
		}
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	return f, nil
}

// saveUpload copies src to path and checks that it parses with the
// required columns. The file is removed on any error.
func saveUpload(path string, src io.Reader, columns ...string) (err error) {
	f, err := reserve(path)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err = io.Copy(f, src); err != nil {
		_ = f.Close()
		return fmt.Errorf("write upload file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close upload file: %w", err)
	}

	rows, err := rowsource.Load(path)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return requireColumns(rows, columns...)
}

func requireColumns(rows *rowsource.Rows, columns ...string) error {
	for _, c := range columns {
		if !rows.HasColumn(c) {
			return fmt.Errorf("%w: %q", scheduler.ErrMissingColumn, c)
		}
	}
	return nil
}

// writeWideSearch reads locations from src and writes a bulk file at path
// that looks up itemID at every one of them.
func writeWideSearch(path string, src io.Reader, itemID, itemColumn, locationColumn string) (rows int, err error) {
	in, err := rowsource.Read(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if err := requireColumns(in, locationColumn); err != nil {
		return 0, err
	}

	f, err := reserve(path)
	if err != nil {
		return 0, err
	}
	_ = f.Close()
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	header := []string{itemColumn, locationColumn}
	records := make([][]string, 0, in.Len())
	for i := range in.Len() {
		loc := in.Value(i, locationColumn)
		if loc == "" {
			continue
		}
		records = append(records, []string{itemID, loc})
	}
	if err := rowsource.WriteCSV(path, rowsource.New(header, records)); err != nil {
		return 0, err
	}
	return len(records), nil
}
