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
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

// Layout selects the column set of a tenant's tables.
type Layout string

const (
	// LayoutStandard stores a single store price and stock count.
	LayoutStandard Layout = "standard"
	// LayoutExtended adds MSRP on items and floor/backroom/aisle detail per store.
	LayoutExtended Layout = "extended"
)

var tenantNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidTenantName reports whether name can be used as a schema name.
func ValidTenantName(name string) bool {
	return tenantNameRE.MatchString(name)
}

// tenantSQL holds the statements for one tenant schema.
type tenantSQL struct {
	layout        Layout
	createSchema  string
	createTables  []string
	upsertItem    string
	upsertStore   string
	upsertStoreIt string
}

func table(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func buildTenantSQL(schema string, layout Layout) (*tenantSQL, error) {
	if !ValidTenantName(schema) {
		return nil, fmt.Errorf("invalid tenant schema name %q", schema)
	}
	items := table(schema, "items")
	stores := table(schema, "stores")
	storeItems := table(schema, "store_items")

	s := &tenantSQL{
		layout:       layout,
		createSchema: "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize(),
		upsertStore: `INSERT INTO ` + stores + ` (id, address, city, state, zipcode)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`,
	}

	switch layout {
	case LayoutExtended:
		s.createTables = []string{
			`CREATE TABLE IF NOT EXISTS ` + items + ` (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  upc TEXT NOT NULL UNIQUE,
  productid TEXT,
  msrp NUMERIC(12,2),
  image_url TEXT
)`,
			`CREATE TABLE IF NOT EXISTS ` + stores + ` (
  id BIGINT PRIMARY KEY,
  address TEXT,
  city TEXT,
  state TEXT,
  zipcode TEXT
)`,
			`CREATE TABLE IF NOT EXISTS ` + storeItems + ` (
  store_id BIGINT NOT NULL REFERENCES ` + stores + ` (id),
  item_id BIGINT NOT NULL REFERENCES ` + items + ` (id),
  price NUMERIC(12,2),
  salesfloor INTEGER,
  backroom INTEGER,
  aisles TEXT,
  PRIMARY KEY (store_id, item_id)
)`,
		}
		s.upsertItem = `INSERT INTO ` + items + ` (name, upc, productid, msrp, image_url)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (upc) DO UPDATE
SET name = EXCLUDED.name,
    msrp = EXCLUDED.msrp,
    image_url = EXCLUDED.image_url,
    productid = EXCLUDED.productid
RETURNING id`
		s.upsertStoreIt = `INSERT INTO ` + storeItems + ` (store_id, item_id, price, salesfloor, backroom, aisles)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (store_id, item_id) DO UPDATE
SET price = EXCLUDED.price,
    salesfloor = EXCLUDED.salesfloor,
    backroom = EXCLUDED.backroom,
    aisles = EXCLUDED.aisles`

	case LayoutStandard:
		s.createTables = []string{
			`CREATE TABLE IF NOT EXISTS ` + items + ` (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  upc TEXT NOT NULL UNIQUE,
  productid TEXT,
  image_url TEXT
)`,
			`CREATE TABLE IF NOT EXISTS ` + stores + ` (
  id BIGINT PRIMARY KEY,
  address TEXT,
  city TEXT,
  state TEXT,
  zipcode TEXT
)`,
			`CREATE TABLE IF NOT EXISTS ` + storeItems + ` (
  store_id BIGINT NOT NULL REFERENCES ` + stores + ` (id),
  item_id BIGINT NOT NULL REFERENCES ` + items + ` (id),
  storeprice NUMERIC(12,2),
  storestock INTEGER,
  PRIMARY KEY (store_id, item_id)
)`,
		}
		s.upsertItem = `INSERT INTO ` + items + ` (name, upc, productid, image_url)
VALUES ($1, $2, $3, $4)
ON CONFLICT (upc) DO UPDATE
SET name = EXCLUDED.name,
    productid = EXCLUDED.productid,
    image_url = EXCLUDED.image_url
RETURNING id`
		s.upsertStoreIt = `INSERT INTO ` + storeItems + ` (store_id, item_id, storeprice, storestock)
VALUES ($1, $2, $3, $4)
ON CONFLICT (store_id, item_id) DO UPDATE
SET storestock = EXCLUDED.storestock,
    storeprice = EXCLUDED.storeprice`

	default:
		return nil, fmt.Errorf("unknown table layout %q", layout)
	}
	return s, nil
}
