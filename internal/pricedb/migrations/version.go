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

package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckVersion verifies that pricedb is at the migration version this
// binary embeds.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, options ...CheckOption) error {
	if !checkEnabled() {
		slog.Debug("Migration version checking disabled for pricedb")
		return nil
	}

	opts := DefaultCheckOptions()
	for _, option := range options {
		option(&opts)
	}
	if opts.Mode == CheckModeSkip {
		return nil
	}
	applyEnvironmentOverrides(&opts)

	expected, err := extractLatestMigrationVersion(migrationFiles)
	if err != nil {
		return fmt.Errorf("failed to extract expected migration version: %w", err)
	}

	current := func() (uint, bool, error) { return currentVersion(pool) }
	return waitForVersion(ctx, current, expected, opts)
}

// waitForVersion polls current until it reports expected, honoring opts.
func waitForVersion(ctx context.Context, current func() (uint, bool, error), expected uint, opts CheckOptions) error {
	version, dirty, err := current()
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	if dirty && !opts.AllowDirty {
		if opts.Mode != CheckModeWarn {
			return errors.New("pricedb migration is in dirty state, please fix before proceeding")
		}
		slog.Warn("pricedb migration is in dirty state, continuing anyway")
	}
	if version == expected {
		return nil
	}

	slog.Info("Checking migration version",
		slog.Uint64("current_version", uint64(version)),
		slog.Uint64("expected_version", uint64(expected)))

	if version > expected {
		if opts.Mode == CheckModeWarn {
			slog.Warn("pricedb version is newer than expected, continuing anyway")
			return nil
		}
		return fmt.Errorf("pricedb version %d is newer than expected version %d", version, expected)
	}
	if opts.Mode == CheckModeWarn {
		slog.Warn("pricedb version is older than expected, continuing anyway")
		return nil
	}

	deadline := time.Now().Add(opts.Timeout)
	ticker := time.NewTicker(opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for pricedb migrations: %w", ctx.Err())
		case <-ticker.C:
		}

		version, _, err = current()
		if err != nil {
			return fmt.Errorf("failed to get current migration version: %w", err)
		}
		if version == expected {
			slog.Info("Migration version check passed", slog.Uint64("version", uint64(version)))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for pricedb migrations: current version %d, expected %d", version, expected)
		}
		slog.Info("Waiting for migrations to complete",
			slog.Uint64("current_version", uint64(version)),
			slog.Uint64("expected_version", uint64(expected)),
			slog.Duration("remaining_timeout", time.Until(deadline)))
	}
}

// extractLatestMigrationVersion returns the highest version among the
// "<version>_<name>.up.sql" files in fsys.
func extractLatestMigrationVersion(fsys fs.ReadDirFS) (uint, error) {
	entries, err := fsys.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var maxVersion uint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		if uint(version) > maxVersion {
			maxVersion = uint(version)
		}
	}

	if maxVersion == 0 {
		return 0, errors.New("no valid migration files found")
	}
	return maxVersion, nil
}

func currentVersion(pool *pgxpool.Pool) (uint, bool, error) {
	m, done, err := newMigrate(pool)
	if err != nil {
		return 0, false, err
	}
	defer done()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, dirty, nil
}
