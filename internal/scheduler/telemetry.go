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

package scheduler

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/cardinalhq/stockrunner/internal/scheduler"

var (
	itemsEnqueued    metric.Int64Counter
	entriesProcessed metric.Int64Counter
	preemptions      metric.Int64Counter
	cancellations    metric.Int64Counter
	workersSpawned   metric.Int64Counter
	workersRetired   metric.Int64Counter
	workerPanics     metric.Int64Counter
)

func init() {
	meter := otel.Meter(meterName)

	var err error

	itemsEnqueued, err = meter.Int64Counter(
		"stockrunner.scheduler.items_enqueued",
		metric.WithDescription("Number of work items pushed onto tenant queues"),
	)
	if err != nil {
		log.Fatalf("failed to create items_enqueued counter: %v", err)
	}

	entriesProcessed, err = meter.Int64Counter(
		"stockrunner.scheduler.entries_processed",
		metric.WithDescription("Number of entries handed to the entry processor"),
	)
	if err != nil {
		log.Fatalf("failed to create entries_processed counter: %v", err)
	}

	preemptions, err = meter.Int64Counter(
		"stockrunner.scheduler.preemptions",
		metric.WithDescription("Number of batches checkpointed for high priority work"),
	)
	if err != nil {
		log.Fatalf("failed to create preemptions counter: %v", err)
	}

	cancellations, err = meter.Int64Counter(
		"stockrunner.scheduler.cancellations",
		metric.WithDescription("Number of batches cancelled mid-file"),
	)
	if err != nil {
		log.Fatalf("failed to create cancellations counter: %v", err)
	}

	workersSpawned, err = meter.Int64Counter(
		"stockrunner.scheduler.workers_spawned",
		metric.WithDescription("Number of tenant workers started"),
	)
	if err != nil {
		log.Fatalf("failed to create workers_spawned counter: %v", err)
	}

	workersRetired, err = meter.Int64Counter(
		"stockrunner.scheduler.workers_retired",
		metric.WithDescription("Number of tenant workers retired after idling"),
	)
	if err != nil {
		log.Fatalf("failed to create workers_retired counter: %v", err)
	}

	workerPanics, err = meter.Int64Counter(
		"stockrunner.scheduler.worker_panics",
		metric.WithDescription("Number of work items that panicked in a tenant worker"),
	)
	if err != nil {
		log.Fatalf("failed to create worker_panics counter: %v", err)
	}
}

func registerSupervisorGauges(s *Supervisor) {
	meter := otel.Meter(meterName)
	_, err := meter.Int64ObservableGauge(
		"stockrunner.scheduler.queue_depth",
		metric.WithDescription("Number of items waiting across all tenant queues"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.reg.TotalDepth()))
			return nil
		}),
	)
	if err != nil {
		log.Fatalf("failed to create queue_depth gauge: %v", err)
	}

	_, err = meter.Int64ObservableGauge(
		"stockrunner.scheduler.active_workers",
		metric.WithDescription("Number of registered tenant workers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.reg.WorkerCount()))
			return nil
		}),
	)
	if err != nil {
		log.Fatalf("failed to create active_workers gauge: %v", err)
	}
}

func recordEnqueued(kind Kind) {
	itemsEnqueued.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func recordEntry(ctx context.Context, kind Kind, ok bool) {
	entriesProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("success", ok),
	))
}

func recordPreemption(ctx context.Context) {
	preemptions.Add(ctx, 1)
}

func recordCancellation(ctx context.Context) {
	cancellations.Add(ctx, 1)
}

func recordWorkerSpawned() {
	workersSpawned.Add(context.Background(), 1)
}

func recordWorkerRetired() {
	workersRetired.Add(context.Background(), 1)
}

func recordWorkerPanic(kind Kind) {
	workerPanics.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}
