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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/stockrunner/config"
	"github.com/cardinalhq/stockrunner/internal/entryprocessor"
	"github.com/cardinalhq/stockrunner/internal/lookup"
	"github.com/cardinalhq/stockrunner/internal/pricedb"
)

var (
	lookupStore  string
	lookupUPC    string
	lookupZip    string
	lookupDryRun bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up one item at one store and record the result",
		RunE: func(c *cobra.Command, _ []string) error {
			return runLookup(c.Context())
		},
	}
	cmd.Flags().StringVar(&lookupStore, "store", "", "Store (tenant) name")
	cmd.Flags().StringVar(&lookupUPC, "upc", "", "Item UPC")
	cmd.Flags().StringVar(&lookupZip, "zip", "", "Postal code")
	cmd.Flags().BoolVar(&lookupDryRun, "dry-run", false, "Print the result instead of storing it")
	_ = cmd.MarkFlagRequired("store")
	_ = cmd.MarkFlagRequired("upc")
	_ = cmd.MarkFlagRequired("zip")

	rootCmd.AddCommand(cmd)
}

func runLookup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !slices.Contains(cfg.Tenants, lookupStore) {
		return fmt.Errorf("unknown store %q", lookupStore)
	}
	client := lookup.NewClient(cfg.Lookup)
	zip := entryprocessor.NormalizeLocation(lookupZip)

	if lookupDryRun {
		res, err := client.Lookup(ctx, lookupStore, lookupUPC, zip)
		if err != nil {
			return err
		}
		layout := pricedb.LayoutStandard
		if slices.Contains(cfg.ExtendedTenants, lookupStore) {
			layout = pricedb.LayoutExtended
		}
		rec, err := entryprocessor.ToRecord(layout, lookupUPC, res)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	store, err := pricedb.PriceDBStore(ctx, cfg.ExtendedTenants)
	if err != nil {
		return fmt.Errorf("failed to connect to pricedb: %w", err)
	}
	defer store.Close()

	proc := entryprocessor.NewLookupProcessor(client, store, slog.Default())
	if err := proc.Process(ctx, entryprocessor.Entry{Tenant: lookupStore, ItemID: lookupUPC, LocationID: zip}); err != nil {
		return err
	}
	slog.Info("Lookup stored", slog.String("store", lookupStore), slog.String("upc", lookupUPC), slog.String("zip", zip))
	return nil
}
