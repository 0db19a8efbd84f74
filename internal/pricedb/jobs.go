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
	"time"
)

// JobStatus is the lifecycle state of a reliable-backend job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further progress is expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type Job struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Kind       string    `json:"kind"`
	Status     JobStatus `json:"status"`
	TotalRows  int32     `json:"total_rows"`
	Processed  int32     `json:"processed"`
	Failed     int32     `json:"failed"`
	Chunks     int32     `json:"chunks"`
	SourceFile string    `json:"source_file,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const jobColumns = `id, tenant, kind, status, total_rows, processed, failed, chunks, source_file, error, created_at, updated_at`

func scanJob(row interface{ Scan(dest ...any) error }) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.Tenant,
		&j.Kind,
		&j.Status,
		&j.TotalRows,
		&j.Processed,
		&j.Failed,
		&j.Chunks,
		&j.SourceFile,
		&j.Error,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	return j, err
}

const createJob = `
INSERT INTO main.jobs (id, tenant, kind, status, total_rows, chunks, source_file)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + jobColumns

type CreateJobParams struct {
	ID         string
	Tenant     string
	Kind       string
	Status     JobStatus
	TotalRows  int32
	Chunks     int32
	SourceFile string
}

func (q *Queries) CreateJob(ctx context.Context, arg CreateJobParams) (Job, error) {
	row := q.db.QueryRow(ctx, createJob,
		arg.ID,
		arg.Tenant,
		arg.Kind,
		arg.Status,
		arg.TotalRows,
		arg.Chunks,
		arg.SourceFile,
	)
	return scanJob(row)
}

const getJob = `SELECT ` + jobColumns + ` FROM main.jobs WHERE id = $1`

func (q *Queries) GetJob(ctx context.Context, id string) (Job, error) {
	return scanJob(q.db.QueryRow(ctx, getJob, id))
}

// Progress on a job that is no longer pending or processing is ignored.
// A job whose rows are all accounted for moves to completed.
const addJobProgress = `
UPDATE main.jobs
SET processed = processed + $2,
    failed = failed + $3,
    status = CASE
      WHEN processed + $2 + failed + $3 >= total_rows THEN 'completed'
      ELSE 'processing'
    END,
    updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')
RETURNING ` + jobColumns

type AddJobProgressParams struct {
	ID        string
	Processed int32
	Failed    int32
}

func (q *Queries) AddJobProgress(ctx context.Context, arg AddJobProgressParams) (Job, error) {
	return scanJob(q.db.QueryRow(ctx, addJobProgress, arg.ID, arg.Processed, arg.Failed))
}

const setJobStatus = `
UPDATE main.jobs
SET status = $2, error = $3, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')
RETURNING ` + jobColumns

type SetJobStatusParams struct {
	ID     string
	Status JobStatus
	Error  string
}

// SetJobStatus moves an active job to a new status. It returns
// pgx.ErrNoRows when the job does not exist or is already terminal.
func (q *Queries) SetJobStatus(ctx context.Context, arg SetJobStatusParams) (Job, error) {
	return scanJob(q.db.QueryRow(ctx, setJobStatus, arg.ID, arg.Status, arg.Error))
}

const listActiveJobs = `
SELECT ` + jobColumns + `
FROM main.jobs
WHERE tenant = $1 AND status IN ('pending', 'processing')
ORDER BY created_at
`

func (q *Queries) ListActiveJobs(ctx context.Context, tenant string) ([]Job, error) {
	rows, err := q.db.Query(ctx, listActiveJobs, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
