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
	"math"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/cardinalhq/stockrunner/internal/entryprocessor"
	"github.com/cardinalhq/stockrunner/internal/fly"
	"github.com/cardinalhq/stockrunner/internal/idgen"
	"github.com/cardinalhq/stockrunner/internal/pricedb"
	"github.com/cardinalhq/stockrunner/internal/rowsource"
	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

// JobStore is the part of pricedb the queued backend uses.
type JobStore interface {
	CreateJob(ctx context.Context, arg pricedb.CreateJobParams) (pricedb.Job, error)
	GetJob(ctx context.Context, id string) (pricedb.Job, error)
	AddJobProgress(ctx context.Context, arg pricedb.AddJobProgressParams) (pricedb.Job, error)
	SetJobStatus(ctx context.Context, arg pricedb.SetJobStatusParams) (pricedb.Job, error)
	ListActiveJobs(ctx context.Context, tenant string) ([]pricedb.Job, error)
}

// Backend accepts jobs and publishes their work to Kafka.
type Backend struct {
	producer    fly.Producer
	jobs        JobStore
	cfg         Config
	manualTopic string
	batchTopic  string
	ll          *slog.Logger
}

func NewBackend(producer fly.Producer, jobs JobStore, kafkaCfg *fly.Config, cfg Config, ll *slog.Logger) *Backend {
	if ll == nil {
		ll = slog.Default()
	}
	return &Backend{
		producer:    producer,
		jobs:        jobs,
		cfg:         cfg.withDefaults(),
		manualTopic: kafkaCfg.ManualTopic,
		batchTopic:  kafkaCfg.BatchTopic,
		ll:          ll.With(slog.String("component", "reliable-backend")),
	}
}

// Submit records a job and publishes its work. A batch file is removed
// once every chunk has been published.
func (b *Backend) Submit(ctx context.Context, d JobDescription) (pricedb.Job, error) {
	if err := d.validate(); err != nil {
		return pricedb.Job{}, err
	}
	if d.Kind == scheduler.KindManual {
		return b.submitManual(ctx, d)
	}
	return b.submitBatch(ctx, d)
}

func (b *Backend) submitManual(ctx context.Context, d JobDescription) (pricedb.Job, error) {
	job, err := b.jobs.CreateJob(ctx, pricedb.CreateJobParams{
		ID:        idgen.NextULID(),
		Tenant:    d.Tenant,
		Kind:      string(scheduler.KindManual),
		Status:    pricedb.JobPending,
		TotalRows: 1,
		Chunks:    1,
	})
	if err != nil {
		return pricedb.Job{}, fmt.Errorf("create job: %w", err)
	}

	t := task{
		JobID:   job.ID,
		Tenant:  d.Tenant,
		Kind:    scheduler.KindManual,
		Entries: []taskEntry{{ItemID: d.ItemID, LocationID: entryprocessor.NormalizeLocation(d.LocationID)}},
	}
	msg, err := b.message(t)
	if err == nil {
		err = b.producer.Send(ctx, b.manualTopic, msg)
	}
	if err != nil {
		b.failJob(job.ID, err)
		return pricedb.Job{}, fmt.Errorf("publish manual job: %w", err)
	}

	recordSubmitted(d.Tenant, string(scheduler.KindManual))
	return job, nil
}

// jobCounts narrows row and chunk counts to the job table's column width.
func jobCounts(rows, chunks int) (int32, int32, error) {
	if rows < 0 || rows > math.MaxInt32 || chunks < 0 || chunks > math.MaxInt32 {
		return 0, 0, fmt.Errorf("%w: %d rows in %d chunks is more than one job can track", scheduler.ErrInvalidItem, rows, chunks)
	}
	return int32(rows), int32(chunks), nil
}

func (b *Backend) submitBatch(ctx context.Context, d JobDescription) (pricedb.Job, error) {
	rows, err := rowsource.Load(d.FilePath)
	if err != nil {
		return pricedb.Job{}, err
	}
	for _, col := range []string{b.cfg.ItemColumn, b.cfg.LocationColumn} {
		if !rows.HasColumn(col) {
			return pricedb.Job{}, fmt.Errorf("%w: %q", scheduler.ErrMissingColumn, col)
		}
	}

	chunks := rows.Chunk(b.cfg.ChunkSize)
	totalRows, chunkCount, err := jobCounts(rows.Len(), len(chunks))
	if err != nil {
		return pricedb.Job{}, err
	}
	status := pricedb.JobPending
	if len(chunks) == 0 {
		status = pricedb.JobCompleted
	}
	job, err := b.jobs.CreateJob(ctx, pricedb.CreateJobParams{
		ID:         idgen.NextULID(),
		Tenant:     d.Tenant,
		Kind:       string(scheduler.KindBatch),
		Status:     status,
		TotalRows:  totalRows,
		Chunks:     chunkCount,
		SourceFile: d.FilePath,
	})
	if err != nil {
		return pricedb.Job{}, fmt.Errorf("create job: %w", err)
	}

	msgs := make([]fly.Message, 0, len(chunks))
	for i, chunk := range chunks {
		t := task{
			JobID:   job.ID,
			Tenant:  d.Tenant,
			Kind:    scheduler.KindBatch,
			Chunk:   i,
			Entries: make([]taskEntry, chunk.Len()),
		}
		for r := range chunk.Len() {
			t.Entries[r] = taskEntry{
				ItemID:     chunk.Value(r, b.cfg.ItemColumn),
				LocationID: entryprocessor.NormalizeLocation(chunk.Value(r, b.cfg.LocationColumn)),
			}
		}
		msg, err := b.message(t)
		if err != nil {
			b.failJob(job.ID, err)
			return pricedb.Job{}, err
		}
		msgs = append(msgs, msg)
	}

	if err := b.producer.BatchSend(ctx, b.batchTopic, msgs); err != nil {
		b.failJob(job.ID, err)
		return pricedb.Job{}, fmt.Errorf("publish batch job: %w", err)
	}

	if err := os.Remove(d.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.ll.Warn("Failed to remove dispatched file",
			slog.String("file", d.FilePath),
			slog.Any("error", err))
	}

	b.ll.Info("Batch job submitted",
		slog.String("tenant", d.Tenant),
		slog.String("jobID", job.ID),
		slog.Int("rows", rows.Len()),
		slog.Int("chunks", len(chunks)))
	recordSubmitted(d.Tenant, string(scheduler.KindBatch))
	return job, nil
}

func (b *Backend) message(t task) (fly.Message, error) {
	value, err := t.encode()
	if err != nil {
		return fly.Message{}, err
	}
	return fly.Message{
		Key:   []byte(t.Tenant),
		Value: value,
		Headers: map[string]string{
			"job-id": t.JobID,
			"kind":   string(t.Kind),
			"chunk":  strconv.Itoa(t.Chunk),
		},
	}, nil
}

// failJob marks a job failed after a publish error. The request context
// may already be gone, so it uses its own.
func (b *Backend) failJob(id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishCleanupTimeout)
	defer cancel()
	if _, err := b.jobs.SetJobStatus(ctx, pricedb.SetJobStatusParams{
		ID:     id,
		Status: pricedb.JobFailed,
		Error:  cause.Error(),
	}); err != nil {
		b.ll.Error("Failed to mark job failed", slog.String("jobID", id), slog.Any("error", err))
	}
}

// Status returns the job with id.
func (b *Backend) Status(ctx context.Context, id string) (pricedb.Job, error) {
	job, err := b.jobs.GetJob(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return pricedb.Job{}, ErrJobNotFound
	}
	return job, err
}

// Cancel stops a pending or processing job. Chunks already consumed
// finish; the rest are skipped by workers.
func (b *Backend) Cancel(ctx context.Context, id string) (pricedb.Job, error) {
	job, err := b.jobs.SetJobStatus(ctx, pricedb.SetJobStatusParams{ID: id, Status: pricedb.JobCancelled})
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return pricedb.Job{}, err
	}
	job, err = b.Status(ctx, id)
	if err != nil {
		return pricedb.Job{}, err
	}
	return job, ErrJobFinished
}

// TenantStatus lists the tenant's pending and processing jobs.
func (b *Backend) TenantStatus(ctx context.Context, tenant string) ([]pricedb.Job, error) {
	return b.jobs.ListActiveJobs(ctx, tenant)
}
