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
	"time"
)

// ItemParams is the product half of a lookup result.
type ItemParams struct {
	Name      string
	UPC       string
	ProductID string
	MSRP      *float64
	ImageURL  string
}

// StoreParams is one store's half of a lookup result. Price, SalesFloor,
// BackRoom and Aisles are written for LayoutExtended tenants; StorePrice
// and StoreStock for LayoutStandard tenants.
type StoreParams struct {
	ID      int64
	Address string
	City    string
	State   string
	Zipcode string

	Price      *float64
	SalesFloor *int64
	BackRoom   *int64
	Aisles     *string

	StorePrice *float64
	StoreStock *int64
}

// LookupRecord is everything written for one successful lookup.
type LookupRecord struct {
	Item   ItemParams
	Stores []StoreParams
}

const recordLookup = `
INSERT INTO main.olditem (upc, zip, timestamp, store)
VALUES ($1, $2, $3, $4)
ON CONFLICT (upc, zip) DO UPDATE
SET timestamp = EXCLUDED.timestamp, store = EXCLUDED.store
`

// RecordLookup remembers that upc was requested near zip for tenant.
func (q *Queries) RecordLookup(ctx context.Context, tenant, upc, zip string, at time.Time) error {
	_, err := q.db.Exec(ctx, recordLookup, upc, zip, at.Unix(), tenant)
	return err
}

func (q *Queries) upsertItem(ctx context.Context, s *tenantSQL, arg ItemParams) (int64, error) {
	var row interface {
		Scan(dest ...any) error
	}
	switch s.layout {
	case LayoutExtended:
		row = q.db.QueryRow(ctx, s.upsertItem, arg.Name, arg.UPC, arg.ProductID, arg.MSRP, arg.ImageURL)
	default:
		row = q.db.QueryRow(ctx, s.upsertItem, arg.Name, arg.UPC, arg.ProductID, arg.ImageURL)
	}
	var id int64
	err := row.Scan(&id)
	return id, err
}

func (q *Queries) upsertStore(ctx context.Context, s *tenantSQL, arg StoreParams) error {
	_, err := q.db.Exec(ctx, s.upsertStore, arg.ID, arg.Address, arg.City, arg.State, arg.Zipcode)
	return err
}

func (q *Queries) upsertStoreItem(ctx context.Context, s *tenantSQL, itemID int64, arg StoreParams) error {
	var err error
	switch s.layout {
	case LayoutExtended:
		_, err = q.db.Exec(ctx, s.upsertStoreIt, arg.ID, itemID, arg.Price, arg.SalesFloor, arg.BackRoom, arg.Aisles)
	default:
		_, err = q.db.Exec(ctx, s.upsertStoreIt, arg.ID, itemID, arg.StorePrice, arg.StoreStock)
	}
	return err
}

func (q *Queries) ensureTenant(ctx context.Context, s *tenantSQL) error {
	if _, err := q.db.Exec(ctx, s.createSchema); err != nil {
		return err
	}
	for _, stmt := range s.createTables {
		if _, err := q.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
