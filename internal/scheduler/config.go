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

import "time"

// Config holds scheduler tuning.
type Config struct {
	// IdleTimeout is how long a tenant worker waits on an empty queue
	// before it retires.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// MaxWorkers bounds the number of tenant workers running at once.
	MaxWorkers int `mapstructure:"max_workers"`

	// LookaheadDepth is how many queued items a batch inspects between
	// rows when looking for high priority work.
	LookaheadDepth int `mapstructure:"lookahead_depth"`

	// RowPause is an optional sleep after every batch row.
	RowPause time.Duration `mapstructure:"row_pause"`

	// ManualRetries is the number of retries after a failed manual entry.
	ManualRetries      int           `mapstructure:"manual_retries"`
	ManualRetryBackoff time.Duration `mapstructure:"manual_retry_backoff"`

	// Column names, matched against lower-cased CSV headers.
	ItemColumn     string `mapstructure:"item_column"`
	LocationColumn string `mapstructure:"location_column"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:        30 * time.Second,
		MaxWorkers:         50,
		LookaheadDepth:     5,
		RowPause:           0,
		ManualRetries:      2,
		ManualRetryBackoff: time.Second,
		ItemColumn:         "upc",
		LocationColumn:     "zip",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.LookaheadDepth <= 0 {
		c.LookaheadDepth = def.LookaheadDepth
	}
	if c.ManualRetries < 0 {
		c.ManualRetries = 0
	}
	if c.ManualRetryBackoff <= 0 {
		c.ManualRetryBackoff = def.ManualRetryBackoff
	}
	if c.ItemColumn == "" {
		c.ItemColumn = def.ItemColumn
	}
	if c.LocationColumn == "" {
		c.LocationColumn = def.LocationColumn
	}
	return c
}
