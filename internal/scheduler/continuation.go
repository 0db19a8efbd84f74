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

package scheduler

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cardinalhq/stockrunner/internal/idgen"
)

// ContinuationPrefix starts the base name of every continuation artifact.
const ContinuationPrefix = "temp_"

// ContinuationPath returns the artifact path holding the remaining rows of
// source for tenant: temp_<tenant>_<original base name>, next to source.
// Continuing a continuation yields the same path.
func ContinuationPath(tenant, source string) string {
	dir, base := filepath.Split(source)
	prefix := ContinuationPrefix + tenant + "_"
	base = strings.TrimPrefix(base, prefix)
	return filepath.Join(dir, prefix+base)
}

// uniqueContinuationPath is ContinuationPath with a ULID ahead of the
// original base name. Continuing it yields the same path again.
func uniqueContinuationPath(tenant, source string) string {
	dir, base := filepath.Split(ContinuationPath(tenant, source))
	prefix := ContinuationPrefix + tenant + "_"
	return filepath.Join(dir, prefix+idgen.NextULID()+"_"+strings.TrimPrefix(base, prefix))
}

// IsContinuationFile reports whether path names a continuation artifact.
func IsContinuationFile(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ContinuationPrefix)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
