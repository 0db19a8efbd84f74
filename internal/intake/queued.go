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

package intake

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/stockrunner/internal/pricedb"
	"github.com/cardinalhq/stockrunner/internal/reliable"
	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

// JobService is the reliable backend's public surface.
type JobService interface {
	Submit(ctx context.Context, d reliable.JobDescription) (pricedb.Job, error)
	Status(ctx context.Context, id string) (pricedb.Job, error)
	Cancel(ctx context.Context, id string) (pricedb.Job, error)
	TenantStatus(ctx context.Context, tenant string) ([]pricedb.Job, error)
}

// QueuedBackend hands work to the Kafka-backed job service.
type QueuedBackend struct {
	jobs    JobService
	tenants []string
}

var _ Backend = (*QueuedBackend)(nil)

func NewQueuedBackend(jobs JobService, tenants []string) *QueuedBackend {
	return &QueuedBackend{jobs: jobs, tenants: tenants}
}

func (b *QueuedBackend) Name() string { return "kafka" }

func accepted(job pricedb.Job) Accepted {
	return Accepted{
		JobID:    job.ID,
		Tenant:   job.Tenant,
		Kind:     job.Kind,
		Status:   string(job.Status),
		Error:    job.Error,
		FilePath: job.SourceFile,
	}
}

// SubmitManual ignores wait; callers poll the job instead.
func (b *QueuedBackend) SubmitManual(ctx context.Context, tenant, itemID, locationID string, _ bool) (Accepted, error) {
	job, err := b.jobs.Submit(ctx, reliable.ManualJob(tenant, itemID, locationID))
	if err != nil {
		return Accepted{}, err
	}
	return accepted(job), nil
}

func (b *QueuedBackend) SubmitBatch(ctx context.Context, tenant, path string) (Accepted, error) {
	job, err := b.jobs.Submit(ctx, reliable.BatchJob(tenant, path))
	if err != nil {
		return Accepted{}, err
	}
	return accepted(job), nil
}

// Cancel cancels jobID, or every active batch job of tenant when jobID is
// empty.
func (b *QueuedBackend) Cancel(ctx context.Context, tenant, jobID string) (any, error) {
	if jobID != "" {
		job, err := b.jobs.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Tenant != tenant {
			return nil, ErrJobNotFound
		}
		job, err = b.jobs.Cancel(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return []pricedb.Job{job}, nil
	}

	active, err := b.jobs.TenantStatus(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var errs *multierror.Error
	cancelled := []pricedb.Job{}
	for _, j := range active {
		if j.Kind != string(scheduler.KindBatch) {
			continue
		}
		job, err := b.jobs.Cancel(ctx, j.ID)
		if errors.Is(err, reliable.ErrJobFinished) {
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		cancelled = append(cancelled, job)
	}
	return cancelled, errs.ErrorOrNil()
}

func (b *QueuedBackend) TenantStatus(ctx context.Context, tenant string) (any, error) {
	return b.jobs.TenantStatus(ctx, tenant)
}

func (b *QueuedBackend) Status(ctx context.Context) (any, error) {
	out := make(map[string][]pricedb.Job, len(b.tenants))
	for _, t := range b.tenants {
		jobs, err := b.jobs.TenantStatus(ctx, t)
		if err != nil {
			return nil, err
		}
		if len(jobs) > 0 {
			out[t] = jobs
		}
	}
	return out, nil
}

func (b *QueuedBackend) Job(ctx context.Context, id string) (any, error) {
	job, err := b.jobs.Status(ctx, id)
	if errors.Is(err, reliable.ErrJobNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}
