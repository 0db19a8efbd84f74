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
	"github.com/cardinalhq/stockrunner/internal/lookup"
	"github.com/cardinalhq/stockrunner/internal/pricedb"
	"github.com/cardinalhq/stockrunner/internal/reliable"
)

func init() {
	cmd := &cobra.Command{
		Use:   "queue-worker",
		Short: "Process lookups queued on Kafka",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService("stockrunner-queue-worker", queueWorker)
		},
	}

	rootCmd.AddCommand(cmd)
}

func queueWorker(doneCtx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := pricedb.PriceDBStore(doneCtx, cfg.ExtendedTenants)
	if err != nil {
		return fmt.Errorf("failed to connect to pricedb: %w", err)
	}
	defer store.Close()

	factory := fly.NewFactory(&cfg.Kafka)
	if err := factory.EnsureTopics(doneCtx); err != nil {
		return fmt.Errorf("failed to create kafka topics: %w", err)
	}
	manual, err := factory.CreateConsumer(cfg.Kafka.ManualTopic, reliable.WorkerService)
	if err != nil {
		return fmt.Errorf("failed to create manual consumer: %w", err)
	}
	batch, err := factory.CreateConsumer(cfg.Kafka.BatchTopic, reliable.WorkerService)
	if err != nil {
		_ = manual.Close()
		return fmt.Errorf("failed to create batch consumer: %w", err)
	}

	proc := entryprocessor.NewLookupProcessor(lookup.NewClient(cfg.Lookup), store, slog.Default())
	worker := reliable.NewWorker(manual, batch, store, proc, cfg.Reliable, slog.Default())
	defer func() {
		if err := worker.Close(); err != nil {
			slog.Error("Failed to close kafka consumers", slog.Any("error", err))
		}
	}()

	health := healthcheck.NewChecker()
	g, ctx := errgroup.WithContext(doneCtx)
	g.Go(func() error { return health.Serve(ctx, cfg.Health) })
	g.Go(func() error { return worker.Run(ctx) })

	health.SetStatus(healthcheck.StatusHealthy)
	slog.Info("Queue worker started",
		slog.String("manualTopic", cfg.Kafka.ManualTopic),
		slog.String("batchTopic", cfg.Kafka.BatchTopic))

	return g.Wait()
}
