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

// Package intake is the HTTP API for submitting lookups, uploading bulk
// files, cancelling work and reading status.
package intake

import (
	"context"
	"errors"
)

var (
	ErrUnknownTenant = errors.New("unknown store")
	ErrJobNotFound   = errors.New("job not found")
)

// Accepted is the response to a submission.
type Accepted struct {
	JobID    string `json:"job_id,omitempty"`
	Tenant   string `json:"store"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	FilePath string `json:"file,omitempty"`
}

// Backend runs the work the API accepts.
type Backend interface {
	Name() string
	// SubmitManual queues one high-priority lookup. When wait is true and
	// the backend supports it, the call returns after the lookup finishes.
	SubmitManual(ctx context.Context, tenant, itemID, locationID string, wait bool) (Accepted, error)
	// SubmitBatch takes ownership of the file at path.
	SubmitBatch(ctx context.Context, tenant, path string) (Accepted, error)
	// Cancel stops the tenant's batch work, or only jobID when it is set
	// and the backend tracks jobs.
	Cancel(ctx context.Context, tenant, jobID string) (any, error)
	TenantStatus(ctx context.Context, tenant string) (any, error)
	Status(ctx context.Context) (any, error)
	Job(ctx context.Context, id string) (any, error)
}
