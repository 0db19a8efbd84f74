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

package pricedb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/stockrunner/internal/dbopen"
	"github.com/cardinalhq/stockrunner/internal/pricedb/migrations"
)

// ConnectToPriceDB opens a pool from the PRICEDB_* environment and checks
// the schema version.
func ConnectToPriceDB(ctx context.Context, opts ...dbopen.Options) (*pgxpool.Pool, error) {
	connectionString, err := dbopen.GetDatabaseURLFromEnv("PRICEDB")
	if err != nil {
		return nil, errors.Join(dbopen.ErrDatabaseNotConfigured, fmt.Errorf("failed to get PRICEDB connection string: %w", err))
	}

	pool, err := NewConnectionPool(ctx, connectionString)
	if err != nil {
		return nil, err
	}

	var checkOptions []migrations.CheckOption
	if len(opts) > 0 {
		checkOptions = opts[0].MigrationCheckOptions
	}
	if err := migrations.CheckVersion(ctx, pool, checkOptions...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PRICEDB migration version check failed: %w", err)
	}

	return pool, nil
}

// PriceDBStore connects and wraps the pool in a Store.
func PriceDBStore(ctx context.Context, extendedTenants []string, opts ...dbopen.Options) (*Store, error) {
	pool, err := ConnectToPriceDB(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewStore(pool, extendedTenants...), nil
}
