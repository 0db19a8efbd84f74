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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/stockrunner/config"
	"github.com/cardinalhq/stockrunner/internal/entryprocessor"
	"github.com/cardinalhq/stockrunner/internal/fly"
	"github.com/cardinalhq/stockrunner/internal/healthcheck"
	"github.com/cardinalhq/stockrunner/internal/intake"
	"github.com/cardinalhq/stockrunner/internal/lookup"
	"github.com/cardinalhq/stockrunner/internal/pricedb"
	"github.com/cardinalhq/stockrunner/internal/reliable"
	"github.com/cardinalhq/stockrunner/internal/scheduler"
	"github.com/cardinalhq/stockrunner/internal/sweeper"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API and schedule accepted lookups",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("stockrunner-serve", serve)
		},
	}

	rootCmd.AddCommand(cmd)
}

func serve(doneCtx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := pricedb.PriceDBStore(doneCtx, cfg.ExtendedTenants)
	if err != nil {
		return fmt.Errorf("failed to connect to pricedb: %w", err)
	}
	defer store.Close()

	health := healthcheck.NewChecker()
	g, ctx := errgroup.WithContext(doneCtx)

	var backend intake.Backend
	switch cfg.Backend {
	case config.BackendKafka:
		factory := fly.NewFactory(&cfg.Kafka)
		if err := factory.EnsureTopics(ctx); err != nil {
			return fmt.Errorf("failed to create kafka topics: %w", err)
		}
		producer, err := factory.CreateProducer()
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				slog.Error("Failed to close kafka producer", slog.Any("error", err))
			}
		}()
		jobs := reliable.NewBackend(producer, store, &cfg.Kafka, cfg.Reliable, slog.Default())
		backend = intake.NewQueuedBackend(jobs, cfg.Tenants)

	default:
		proc := entryprocessor.NewLookupProcessor(lookup.NewClient(cfg.Lookup), store, slog.Default())
		sup := scheduler.NewSupervisor(cfg.Scheduler, proc, scheduler.WithLogger(slog.Default()))
		defer func() {
			ctx, cancel := shutdownContext()
			defer cancel()
			if err := sup.Shutdown(ctx); err != nil {
				slog.Error("Scheduler did not stop cleanly", slog.Any("error", err))
			}
		}()
		local := intake.NewLocalBackend(sup)
		defer local.Close()
		backend = local

		sw := sweeper.New(cfg.Intake.UploadDir, cfg.Sweeper, sup, slog.Default())
		g.Go(func() error { return sw.Run(ctx) })
	}

	srv, err := intake.NewServer(cfg.Intake, backend, cfg.Tenants, health, slog.Default())
	if err != nil {
		return err
	}
	g.Go(func() error { return srv.Run(ctx) })

	health.SetStatus(healthcheck.StatusHealthy)
	slog.Info("Stockrunner serving",
		slog.String("backend", backend.Name()),
		slog.Int("tenants", len(cfg.Tenants)))

	err = g.Wait()
	health.SetStatus(healthcheck.StatusUnhealthy)
	return err
}
