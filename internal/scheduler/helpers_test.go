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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/stockrunner/internal/entryprocessor"
	"github.com/cardinalhq/stockrunner/internal/rowsource"
)

// recordingProcessor records every entry it sees and optionally runs a hook.
type recordingProcessor struct {
	mu   sync.Mutex
	seen []entryprocessor.Entry
	hook func(ctx context.Context, e entryprocessor.Entry) error
}

func (r *recordingProcessor) Process(ctx context.Context, e entryprocessor.Entry) error {
	r.mu.Lock()
	r.seen = append(r.seen, e)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		return hook(ctx, e)
	}
	return nil
}

func (r *recordingProcessor) items() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	for i, e := range r.seen {
		out[i] = e.ItemID
	}
	return out
}

func (r *recordingProcessor) entries() []entryprocessor.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entryprocessor.Entry(nil), r.seen...)
}

// writeRows writes a bulk file with n rows u1..un under dir.
func writeRows(t *testing.T, dir, name string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("UPC, Zip\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "u%d,30301\n", i)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func rowItems(t *testing.T, path string) []string {
	t.Helper()
	rows, err := rowsource.Load(path)
	require.NoError(t, err)
	out := make([]string, rows.Len())
	for i := range out {
		out[i] = rows.Value(i, "upc")
	}
	return out
}

func seq(prefix string, from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}
