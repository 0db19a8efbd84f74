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
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides all functions to execute db queries and transactions
type Store struct {
	*Queries
	connPool *pgxpool.Pool

	extended map[string]bool

	mu      *sync.Mutex
	tenants map[string]*tenantSQL
	ready   map[string]bool
}

// NewStore creates a new Store. Tenants named in extendedTenants use
// LayoutExtended; every other tenant uses LayoutStandard.
func NewStore(connPool *pgxpool.Pool, extendedTenants ...string) *Store {
	extended := make(map[string]bool, len(extendedTenants))
	for _, t := range extendedTenants {
		extended[t] = true
	}
	return &Store{
		Queries:  New(connPool),
		connPool: connPool,
		extended: extended,
		mu:       &sync.Mutex{},
		tenants:  map[string]*tenantSQL{},
		ready:    map[string]bool{},
	}
}

func (store *Store) Pool() *pgxpool.Pool {
	return store.connPool
}

// Close closes the connection pool.
func (store *Store) Close() {
	if store.connPool != nil {
		store.connPool.Close()
	}
}

// LayoutFor returns the table layout used for tenant.
func (store *Store) LayoutFor(tenant string) Layout {
	if store.extended[tenant] {
		return LayoutExtended
	}
	return LayoutStandard
}

func (store *Store) tenantStatements(tenant string) (*tenantSQL, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if s, ok := store.tenants[tenant]; ok {
		return s, nil
	}
	s, err := buildTenantSQL(tenant, store.LayoutFor(tenant))
	if err != nil {
		return nil, err
	}
	store.tenants[tenant] = s
	return s, nil
}

// EnsureTenantSchema creates the tenant's schema and tables if missing.
// It only touches the database once per tenant per Store.
func (store *Store) EnsureTenantSchema(ctx context.Context, tenant string) error {
	s, err := store.tenantStatements(tenant)
	if err != nil {
		return err
	}

	store.mu.Lock()
	done := store.ready[tenant]
	store.mu.Unlock()
	if done {
		return nil
	}

	if err := store.execTx(ctx, func(tx *Store) error {
		return tx.ensureTenant(ctx, s)
	}); err != nil {
		return fmt.Errorf("ensure schema for %s: %w", tenant, err)
	}

	store.mu.Lock()
	store.ready[tenant] = true
	store.mu.Unlock()
	return nil
}

// SaveLookup writes the item, its stores and their stock rows for tenant
// in one transaction.
func (store *Store) SaveLookup(ctx context.Context, tenant string, rec LookupRecord) error {
	if err := store.EnsureTenantSchema(ctx, tenant); err != nil {
		return err
	}
	s, err := store.tenantStatements(tenant)
	if err != nil {
		return err
	}

	return store.execTx(ctx, func(tx *Store) error {
		itemID, err := tx.upsertItem(ctx, s, rec.Item)
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", rec.Item.UPC, err)
		}
		for _, st := range rec.Stores {
			if err := tx.upsertStore(ctx, s, st); err != nil {
				return fmt.Errorf("upsert store %d: %w", st.ID, err)
			}
			if err := tx.upsertStoreItem(ctx, s, itemID, st); err != nil {
				return fmt.Errorf("upsert store item %d/%d: %w", st.ID, itemID, err)
			}
		}
		return nil
	})
}

func (store *Store) execTx(ctx context.Context, fn func(*Store) error) (err error) {
	tx, err := store.connPool.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Never use the caller ctx for cleanup as it may be cancelled.
		rbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			if err != nil {
				err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
			} else {
				err = fmt.Errorf("rollback failed: %w", rbErr)
			}
		}
	}()

	txStore := &Store{
		Queries:  New(tx),
		connPool: store.connPool,
		extended: store.extended,
		mu:       store.mu,
		tenants:  store.tenants,
		ready:    store.ready,
	}

	if err = fn(txStore); err != nil {
		return err
	}

	commitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = tx.Commit(commitCtx); err != nil {
		return err
	}
	committed = true
	return nil
}
