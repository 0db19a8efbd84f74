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

package reliable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/stockrunner/internal/entryprocessor"
	"github.com/cardinalhq/stockrunner/internal/fly"
	"github.com/cardinalhq/stockrunner/internal/pricedb"
	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

const (
	publishCleanupTimeout = 10 * time.Second
	WorkerService         = "queue-worker"
)

// Worker consumes the manual and batch topics and runs each entry through
// a Processor.
type Worker struct {
	manual    fly.Consumer
	batch     fly.Consumer
	jobs      JobStore
	proc      entryprocessor.Processor
	cfg       Config
	cancelled *ttlcache.Cache[string, bool]
	ll        *slog.Logger
}

func NewWorker(manual, batch fly.Consumer, jobs JobStore, proc entryprocessor.Processor, cfg Config, ll *slog.Logger) *Worker {
	if ll == nil {
		ll = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		manual: manual,
		batch:  batch,
		jobs:   jobs,
		proc:   proc,
		cfg:    cfg,
		cancelled: ttlcache.New(
			ttlcache.WithTTL[string, bool](cfg.CancelCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
		ll: ll.With(slog.String("component", "queue-worker")),
	}
}

// Run consumes both topics until ctx is done or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	go w.cancelled.Start()
	defer w.cancelled.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.manual.Consume(gctx, w.handleMessage) })
	g.Go(func() error { return w.batch.Consume(gctx, w.handleMessage) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close closes both consumers.
func (w *Worker) Close() error {
	var errs *multierror.Error
	if err := w.manual.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close manual consumer: %w", err))
	}
	if err := w.batch.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close batch consumer: %w", err))
	}
	return errs.ErrorOrNil()
}

// handleMessage logs and commits messages that cannot be decoded. Only
// job store errors are returned, leaving the message for redelivery.
func (w *Worker) handleMessage(ctx context.Context, msg fly.ConsumedMessage) error {
	t, err := decodeTask(msg.Value)
	if err != nil {
		w.ll.Error("Dropping undecodable message",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.Any("error", err))
		return nil
	}

	ll := w.ll.With(
		slog.String("tenant", t.Tenant),
		slog.String("jobID", t.JobID),
		slog.Int("chunk", t.Chunk))

	if w.isCancelled(ctx, t.JobID) {
		ll.Info("Skipping task of cancelled job")
		return nil
	}

	if t.Kind == scheduler.KindManual {
		return w.handleManual(ctx, t, ll)
	}
	return w.handleChunk(ctx, t, ll)
}

func (w *Worker) handleManual(ctx context.Context, t task, ll *slog.Logger) error {
	if len(t.Entries) != 1 {
		ll.Error("Manual task without exactly one entry", slog.Int("entries", len(t.Entries)))
		return nil
	}
	err := w.processWithRetry(ctx, t.Tenant, t.Entries[0])
	if err != nil {
		ll.Warn("Manual lookup failed", slog.Any("error", err))
		recordHandled(t.Tenant, "failed", 1)
		return w.ignoreFinished(w.jobs.SetJobStatus(ctx, pricedb.SetJobStatusParams{
			ID:     t.JobID,
			Status: pricedb.JobFailed,
			Error:  err.Error(),
		}))
	}
	recordHandled(t.Tenant, "processed", 1)
	return w.ignoreFinished(w.jobs.AddJobProgress(ctx, pricedb.AddJobProgressParams{ID: t.JobID, Processed: 1}))
}

func (w *Worker) handleChunk(ctx context.Context, t task, ll *slog.Logger) error {
	var processed, failed int32
	for i, e := range t.Entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 && w.isCancelled(ctx, t.JobID) {
			ll.Info("Job cancelled mid-chunk", slog.Int("remaining", len(t.Entries)-i))
			break
		}
		if e.ItemID == "" || e.LocationID == "" {
			failed++
			continue
		}
		if err := w.processWithRetry(ctx, t.Tenant, e); err != nil {
			ll.Debug("Entry failed", slog.String("upc", e.ItemID), slog.Any("error", err))
			failed++
			continue
		}
		processed++
	}

	recordHandled(t.Tenant, "processed", int(processed))
	recordHandled(t.Tenant, "failed", int(failed))
	ll.Debug("Chunk done", slog.Int("processed", int(processed)), slog.Int("failed", int(failed)))

	return w.ignoreFinished(w.jobs.AddJobProgress(ctx, pricedb.AddJobProgressParams{
		ID:        t.JobID,
		Processed: processed,
		Failed:    failed,
	}))
}

func (w *Worker) processWithRetry(ctx context.Context, tenant string, e taskEntry) error {
	entry := entryprocessor.Entry{Tenant: tenant, ItemID: e.ItemID, LocationID: e.LocationID}
	backoff := w.cfg.RetryBackoff

	var err error
	for attempt := 0; ; attempt++ {
		if err = w.proc.Process(ctx, entry); err == nil {
			return nil
		}
		if attempt >= w.cfg.Retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// isCancelled reads the job status through a short-lived cache.
func (w *Worker) isCancelled(ctx context.Context, jobID string) bool {
	loader := ttlcache.LoaderFunc[string, bool](
		func(cache *ttlcache.Cache[string, bool], key string) *ttlcache.Item[string, bool] {
			job, err := w.jobs.GetJob(ctx, key)
			if err != nil {
				// Unknown jobs are treated as live; the error surfaces
				// when progress is recorded.
				return cache.Set(key, false, ttlcache.DefaultTTL)
			}
			return cache.Set(key, job.Status == pricedb.JobCancelled, ttlcache.DefaultTTL)
		},
	)
	item := w.cancelled.Get(jobID, ttlcache.WithLoader(loader))
	return item != nil && item.Value()
}

// ignoreFinished drops the no-rows error returned when a job is already
// terminal, so late progress on a cancelled job is committed and forgotten.
func (w *Worker) ignoreFinished(_ pricedb.Job, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}
