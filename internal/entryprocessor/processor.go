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

// Package entryprocessor defines the unit of work executed for every
// (item, location) pair, and the production implementation that looks the
// pair up and stores the result.
package entryprocessor

import (
	"context"
	"strings"
)

// LocationWidth is the minimum width of a normalized location key.
const LocationWidth = 5

// Entry is one (item, location) pair for a tenant.
type Entry struct {
	Tenant     string
	ItemID     string
	LocationID string
}

// Processor handles a single entry. A nil error means success; any error
// is recoverable and is counted as a failure by the caller.
type Processor interface {
	Process(ctx context.Context, e Entry) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, e Entry) error

func (f ProcessorFunc) Process(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// NormalizeLocation trims id and left-pads it with zeros to LocationWidth.
func NormalizeLocation(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) >= LocationWidth {
		return id
	}
	return strings.Repeat("0", LocationWidth-len(id)) + id
}
