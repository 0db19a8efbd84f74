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

package entryprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cardinalhq/stockrunner/internal/lookup"
	"github.com/cardinalhq/stockrunner/internal/pricedb"
)

// ErrMissingStoreID is returned when a lookup result names a store
// without an id.
var ErrMissingStoreID = errors.New("lookup result has a store without an id")

// Looker resolves an (item, location) pair through the lookup service.
type Looker interface {
	Lookup(ctx context.Context, tenant, itemID, locationID string) (*lookup.Result, error)
}

// ResultStore persists lookup requests and their results.
type ResultStore interface {
	RecordLookup(ctx context.Context, tenant, upc, zip string, at time.Time) error
	SaveLookup(ctx context.Context, tenant string, rec pricedb.LookupRecord) error
	LayoutFor(tenant string) pricedb.Layout
}

// LookupProcessor records the request, asks the lookup service and
// stores what it returns.
type LookupProcessor struct {
	looker Looker
	store  ResultStore
	now    func() time.Time
	ll     *slog.Logger
}

var _ Processor = (*LookupProcessor)(nil)

func NewLookupProcessor(looker Looker, store ResultStore, ll *slog.Logger) *LookupProcessor {
	if ll == nil {
		ll = slog.Default()
	}
	return &LookupProcessor{
		looker: looker,
		store:  store,
		now:    time.Now,
		ll:     ll.With(slog.String("component", "lookup-processor")),
	}
}

func (p *LookupProcessor) Process(ctx context.Context, e Entry) error {
	if err := p.store.RecordLookup(ctx, e.Tenant, e.ItemID, e.LocationID, p.now()); err != nil {
		return fmt.Errorf("record lookup: %w", err)
	}

	res, err := p.looker.Lookup(ctx, e.Tenant, e.ItemID, e.LocationID)
	if err != nil {
		return err
	}

	rec, err := ToRecord(p.store.LayoutFor(e.Tenant), e.ItemID, res)
	if err != nil {
		return err
	}
	if err := p.store.SaveLookup(ctx, e.Tenant, rec); err != nil {
		return fmt.Errorf("save lookup: %w", err)
	}

	p.ll.Debug("Stored lookup",
		slog.String("tenant", e.Tenant),
		slog.String("upc", e.ItemID),
		slog.String("zip", e.LocationID),
		slog.Int("stores", len(rec.Stores)))
	return nil
}

// ToRecord maps a lookup result onto the columns of layout.
func ToRecord(layout pricedb.Layout, upc string, res *lookup.Result) (pricedb.LookupRecord, error) {
	rec := pricedb.LookupRecord{
		Item: pricedb.ItemParams{
			Name:      res.Item.Name,
			UPC:       upc,
			ProductID: res.Item.ProductID(),
			ImageURL:  res.Item.ImageURL,
		},
		Stores: make([]pricedb.StoreParams, 0, len(res.Stores)),
	}
	if layout == pricedb.LayoutExtended {
		rec.Item.MSRP = res.Item.MSRP
	}

	for _, st := range res.Stores {
		if !st.ID.Valid {
			return pricedb.LookupRecord{}, ErrMissingStoreID
		}
		sp := pricedb.StoreParams{
			ID:      st.ID.Value,
			Address: st.Address,
			City:    st.City,
			State:   st.State,
			Zipcode: st.Zip,
		}
		switch layout {
		case pricedb.LayoutExtended:
			sp.Price = floatPtr(st.Price)
			sp.SalesFloor = countOrZero(st.SalesFloor)
			sp.BackRoom = countOrZero(st.BackRoom)
			sp.Aisles = st.Aisles
		default:
			sp.StorePrice = floatPtr(st.StorePrice)
			sp.StoreStock = intPtr(st.StoreStock)
		}
		rec.Stores = append(rec.Stores, sp)
	}
	return rec, nil
}

func floatPtr(f lookup.FlexFloat) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

func intPtr(f lookup.FlexInt) *int64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

func countOrZero(f lookup.FlexInt) *int64 {
	v := f.Value
	return &v
}
