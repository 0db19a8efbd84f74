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

package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRefs map[string]struct{}

func (r staticRefs) ReferencedFiles() map[string]struct{} { return r }

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("upc,zip\n"), 0o644))
	mt := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "temp_acme_acme_list.csv")
	fresh := filepath.Join(dir, "temp_acme_acme_new.csv")
	queued := filepath.Join(dir, "temp_globex_globex_list.csv")
	partial := filepath.Join(dir, ".partial-123")
	touch(t, old, 2*time.Hour)
	touch(t, fresh, time.Minute)
	touch(t, queued, 2*time.Hour)
	touch(t, partial, 2*time.Hour)

	s := New(dir, Config{MaxAge: time.Hour}, staticRefs{queued: {}}, nil)
	n, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.False(t, exists(old))
	assert.True(t, exists(fresh))
	assert.True(t, exists(queued))
	assert.True(t, exists(partial))
}

// Uploads whose batch failed or was interrupted by shutdown are removed
// once they age out; queued and recent uploads stay.
func TestSweep_RemovesAbandonedUploads(t *testing.T) {
	dir := t.TempDir()
	failed := filepath.Join(dir, "acme_list_01J0.csv")
	queued := filepath.Join(dir, "acme_list_01J1.csv")
	recent := filepath.Join(dir, "globex_list_01J2.csv")
	touch(t, failed, 2*time.Hour)
	touch(t, queued, 2*time.Hour)
	touch(t, recent, time.Minute)

	s := New(dir, Config{MaxAge: time.Hour}, staticRefs{queued: {}}, nil)
	n, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.False(t, exists(failed))
	assert.True(t, exists(queued))
	assert.True(t, exists(recent))
}

func TestFileKind(t *testing.T) {
	assert.Equal(t, "continuation", fileKind("temp_acme_acme_list.csv"))
	assert.Equal(t, "upload", fileKind("acme_list_01J0.csv"))
	assert.True(t, isBulkFile("acme_list.CSV"))
	assert.False(t, isBulkFile(".partial-42"))
}

func TestSweep_MissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"), Config{}, nil, nil)
	n, err := s.Sweep()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_SweepsAtStartup(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "temp_acme_x.csv")
	touch(t, old, 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(dir, Config{Interval: time.Hour, MaxAge: time.Hour}, nil, nil).Run(ctx) }()

	require.Eventually(t, func() bool { return !exists(old) }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
