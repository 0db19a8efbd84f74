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

// Package reliable is the at-least-once lookup backend. Jobs are recorded
// in pricedb, their work is published to Kafka, and Worker consumes it.
package reliable

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
)

// Config controls chunking and retries.
type Config struct {
	ChunkSize      int           `mapstructure:"chunk_size"`
	Retries        int           `mapstructure:"retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	CancelCacheTTL time.Duration `mapstructure:"cancel_cache_ttl"`
	ItemColumn     string        `mapstructure:"item_column"`
	LocationColumn string        `mapstructure:"location_column"`
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:      50,
		Retries:        2,
		RetryBackoff:   time.Second,
		CancelCacheTTL: 5 * time.Second,
		ItemColumn:     "upc",
		LocationColumn: "zip",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.CancelCacheTTL <= 0 {
		c.CancelCacheTTL = d.CancelCacheTTL
	}
	if c.ItemColumn == "" {
		c.ItemColumn = d.ItemColumn
	}
	if c.LocationColumn == "" {
		c.LocationColumn = d.LocationColumn
	}
	return c
}

// JobDescription is what a caller submits: a single manual entry or a
// bulk file.
type JobDescription struct {
	Tenant     string
	Kind       scheduler.Kind
	ItemID     string
	LocationID string
	FilePath   string
}

func ManualJob(tenant, itemID, locationID string) JobDescription {
	return JobDescription{Tenant: tenant, Kind: scheduler.KindManual, ItemID: itemID, LocationID: locationID}
}

func BatchJob(tenant, path string) JobDescription {
	return JobDescription{Tenant: tenant, Kind: scheduler.KindBatch, FilePath: path}
}

func (d JobDescription) validate() error {
	if d.Tenant == "" {
		return fmt.Errorf("%w: empty tenant", scheduler.ErrInvalidItem)
	}
	switch d.Kind {
	case scheduler.KindManual:
		if d.ItemID == "" || d.LocationID == "" {
			return fmt.Errorf("%w: manual job needs item and location", scheduler.ErrInvalidItem)
		}
	case scheduler.KindBatch:
		if d.FilePath == "" {
			return fmt.Errorf("%w: batch job needs a file", scheduler.ErrInvalidItem)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", scheduler.ErrInvalidItem, d.Kind)
	}
	return nil
}

type taskEntry struct {
	ItemID     string `json:"upc"`
	LocationID string `json:"zip"`
}

// task is the Kafka payload: one manual entry or one chunk of a batch.
type task struct {
	JobID   string         `json:"job_id"`
	Tenant  string         `json:"tenant"`
	Kind    scheduler.Kind `json:"kind"`
	Chunk   int            `json:"chunk"`
	Entries []taskEntry    `json:"entries"`
}

func (t task) encode() ([]byte, error) {
	return json.Marshal(t)
}

func decodeTask(b []byte) (task, error) {
	var t task
	if err := json.Unmarshal(b, &t); err != nil {
		return task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.JobID == "" || t.Tenant == "" {
		return task{}, errors.New("decode task: missing job id or tenant")
	}
	return t, nil
}
