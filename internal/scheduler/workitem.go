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
	"errors"
	"fmt"
)

// Priority orders work within a tenant queue. Lower values are served first.
type Priority int

const (
	PriorityHigh Priority = 1
	PriorityLow  Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Kind identifies the shape of a WorkItem.
type Kind string

const (
	KindManual Kind = "manual"
	KindBatch  Kind = "batch"
)

// ErrInvalidItem is returned when a work item is constructed with a malformed shape.
var ErrInvalidItem = errors.New("invalid work item")

// WorkItem is a unit of work owned by a single tenant queue.
// The only implementations are *ManualItem and *BatchItem.
type WorkItem interface {
	Tenant() string
	Priority() Priority
	Kind() Kind
	String() string

	workItem()
}

// ManualItem is a single (item, location) lookup submitted interactively.
// It always runs at PriorityHigh.
type ManualItem struct {
	ItemID     string
	LocationID string

	tenant string
	ticket *Ticket
}

// NewManualItem validates and builds a manual lookup item.
func NewManualItem(tenant, itemID, locationID string) (*ManualItem, error) {
	if tenant == "" {
		return nil, fmt.Errorf("%w: manual item has no tenant", ErrInvalidItem)
	}
	if itemID == "" || locationID == "" {
		return nil, fmt.Errorf("%w: manual item needs both item and location (item=%q, location=%q)", ErrInvalidItem, itemID, locationID)
	}
	return &ManualItem{
		ItemID:     itemID,
		LocationID: locationID,
		tenant:     tenant,
	}, nil
}

func (m *ManualItem) Tenant() string     { return m.tenant }
func (m *ManualItem) Priority() Priority { return PriorityHigh }
func (m *ManualItem) Kind() Kind         { return KindManual }
func (m *ManualItem) workItem()          {}

// Ticket returns the ticket attached when the item was enqueued, or nil.
func (m *ManualItem) Ticket() *Ticket { return m.ticket }

func (m *ManualItem) String() string {
	return fmt.Sprintf("manual[%s item=%s location=%s]", m.tenant, m.ItemID, m.LocationID)
}

// BatchItem is a reference to a bulk row file. A fresh upload has
// ResumeOffset 0 and TotalRows 0 (unknown until loaded); a continuation
// carries the absolute offset of its first row and the row count of the
// original file.
type BatchItem struct {
	FilePath     string
	ResumeOffset int
	TotalRows    int

	tenant string
}

// NewBatchItem validates and builds a batch item.
func NewBatchItem(tenant, path string, resumeOffset, totalRows int) (*BatchItem, error) {
	if tenant == "" {
		return nil, fmt.Errorf("%w: batch item has no tenant", ErrInvalidItem)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: batch item has no file path", ErrInvalidItem)
	}
	if resumeOffset < 0 || totalRows < 0 {
		return nil, fmt.Errorf("%w: negative offset or total (offset=%d, total=%d)", ErrInvalidItem, resumeOffset, totalRows)
	}
	if totalRows > 0 && resumeOffset > totalRows {
		return nil, fmt.Errorf("%w: offset %d beyond total %d", ErrInvalidItem, resumeOffset, totalRows)
	}
	if totalRows == 0 && resumeOffset > 0 {
		return nil, fmt.Errorf("%w: continuation at offset %d has no total", ErrInvalidItem, resumeOffset)
	}
	return &BatchItem{
		FilePath:     path,
		ResumeOffset: resumeOffset,
		TotalRows:    totalRows,
		tenant:       tenant,
	}, nil
}

func (b *BatchItem) Tenant() string     { return b.tenant }
func (b *BatchItem) Priority() Priority { return PriorityLow }
func (b *BatchItem) Kind() Kind         { return KindBatch }
func (b *BatchItem) workItem()          {}

// IsContinuation reports whether the item resumes a previously preempted file.
func (b *BatchItem) IsContinuation() bool {
	return b.TotalRows > 0
}

func (b *BatchItem) String() string {
	if b.IsContinuation() {
		return fmt.Sprintf("batch[%s %s from=%d total=%d]", b.tenant, b.FilePath, b.ResumeOffset, b.TotalRows)
	}
	return fmt.Sprintf("batch[%s %s]", b.tenant, b.FilePath)
}

// SameItem reports whether a and b describe the same work structurally.
// Manual tickets are not part of the comparison.
func SameItem(a, b WorkItem) bool {
	switch x := a.(type) {
	case *ManualItem:
		y, ok := b.(*ManualItem)
		return ok && x.tenant == y.tenant && x.ItemID == y.ItemID && x.LocationID == y.LocationID
	case *BatchItem:
		y, ok := b.(*BatchItem)
		return ok && x.tenant == y.tenant && x.FilePath == y.FilePath &&
			x.ResumeOffset == y.ResumeOffset && x.TotalRows == y.TotalRows
	default:
		return false
	}
}
