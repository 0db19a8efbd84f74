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
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/cardinalhq/stockrunner/internal/entryprocessor"
	"github.com/cardinalhq/stockrunner/internal/rowsource"
)

// Outcome is how a batch run ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomePreempted
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePreempted:
		return "preempted"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ErrMissingColumn is returned when a bulk file lacks a required column.
var ErrMissingColumn = errors.New("bulk file is missing a required column")

// BatchProcessor walks the rows of a bulk file for one tenant, yielding to
// high priority work between rows.
type BatchProcessor struct {
	reg  *Registry
	proc entryprocessor.Processor
	cfg  Config
	ll   *slog.Logger
}

// NewBatchProcessor returns a processor that reads tenant state from reg.
func NewBatchProcessor(reg *Registry, proc entryprocessor.Processor, cfg Config, ll *slog.Logger) *BatchProcessor {
	if ll == nil {
		ll = slog.Default()
	}
	return &BatchProcessor{
		reg:  reg,
		proc: proc,
		cfg:  cfg.withDefaults(),
		ll:   ll,
	}
}

// Run processes item until the file is exhausted, a high priority item
// shows up in the tenant queue, or the batch is cancelled.
//
// On preemption the unprocessed rows are written to the continuation
// artifact and a continuation item is queued behind the waiting high
// priority work. On completion or cancellation the source file is removed.
// On error the source is left in place and only an artifact written by
// this call is removed.
func (b *BatchProcessor) Run(ctx context.Context, item *BatchItem) (outcome Outcome, err error) {
	tenant := item.Tenant()
	flags := b.reg.Flags(tenant)
	queue := b.reg.Queue(tenant)
	ll := b.ll.With(slog.String("tenant", tenant), slog.String("file", item.FilePath))

	var created string
	defer func() {
		if err == nil {
			return
		}
		if created != "" {
			if rmErr := removeFile(created); rmErr != nil {
				ll.Warn("Failed to remove continuation after error", slog.String("path", created), slog.Any("error", rmErr))
			}
		}
	}()

	rows, err := rowsource.Load(item.FilePath)
	if err != nil {
		return OutcomeCompleted, err
	}
	for _, col := range []string{b.cfg.ItemColumn, b.cfg.LocationColumn} {
		if !rows.HasColumn(col) {
			return OutcomeCompleted, fmt.Errorf("%w: %q", ErrMissingColumn, col)
		}
	}

	total := item.TotalRows
	if total == 0 {
		total = item.ResumeOffset + rows.Len()
	}

	flags.beginBatch(BatchProgress{
		FilePath:  item.FilePath,
		Position:  item.ResumeOffset,
		Total:     total,
		StartedAt: time.Now(),
	})
	defer flags.endBatch()

	if item.IsContinuation() {
		ll.Info("Resuming batch", slog.Int("from", item.ResumeOffset+1), slog.Int("total", total))
	} else {
		ll.Info("Starting batch", slog.Int("total", total))
	}

	for i := 0; i < rows.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return OutcomeCompleted, err
		}
		position := item.ResumeOffset + i + 1

		if flags.takeCancel() {
			ll.Info("Batch cancelled", slog.Int("position", position), slog.Int("total", total))
			b.discard(ll, item.FilePath)
			recordCancellation(ctx)
			return OutcomeCancelled, nil
		}

		if b.highPriorityWaiting(queue) {
			cont, err := NewBatchItem(tenant, ContinuationPath(tenant, item.FilePath), item.ResumeOffset+i, total)
			if err != nil {
				return OutcomeCompleted, err
			}
			cont, path, err := b.checkpoint(ll, queue, item, cont, rows.From(i))
			created = path
			if err != nil {
				return OutcomeCompleted, err
			}
			if flags.takeCancel() {
				// Cancelled while the checkpoint was being written.
				queue.RemoveIf(func(w WorkItem) bool { return SameItem(w, cont) })
				b.discard(ll, cont.FilePath)
				recordCancellation(ctx)
				return OutcomeCancelled, nil
			}
			ll.Info("Batch preempted by high priority work",
				slog.Int("position", position),
				slog.Int("total", total),
				slog.String("continuation", cont.FilePath))
			recordPreemption(ctx)
			return OutcomePreempted, nil
		}

		b.processRow(ctx, ll, flags, tenant, rows, i)
		flags.updateProgress(func(p *BatchProgress) { p.Position = position })

		if err := b.yield(ctx); err != nil {
			return OutcomeCompleted, err
		}
	}

	p := flags.Progress()
	if p != nil {
		ll.Info("Batch completed",
			slog.Int("total", total),
			slog.Int("processed", p.Processed),
			slog.Int("failed", p.Failed),
			slog.Int("skipped", p.Skipped))
	}
	b.discard(ll, item.FilePath)
	return OutcomeCompleted, nil
}

// highPriorityWaiting inspects at most LookaheadDepth queued items.
func (b *BatchProcessor) highPriorityWaiting(q *Queue) bool {
	for _, w := range q.Peek(b.cfg.LookaheadDepth) {
		if w.Priority() == PriorityHigh {
			return true
		}
	}
	return false
}

// checkpoint persists remaining and queues cont, or the item actually
// queued when cont's path already holds another batch's rows. It returns
// that item and the path of any artifact it created that was not already
// owned by an earlier run.
func (b *BatchProcessor) checkpoint(ll *slog.Logger, q *Queue, item, cont *BatchItem, remaining *rowsource.Rows) (*BatchItem, string, error) {
	if q.Contains(cont) {
		ll.Info("Continuation already queued, dropping duplicate", slog.String("continuation", cont.FilePath))
		if cont.FilePath != item.FilePath {
			b.discard(ll, item.FilePath)
		}
		return cont, "", nil
	}

	if cont.FilePath != item.FilePath && fileExists(cont.FilePath) {
		taken := cont.FilePath
		renamed, err := NewBatchItem(cont.Tenant(), uniqueContinuationPath(cont.Tenant(), item.FilePath), cont.ResumeOffset, cont.TotalRows)
		if err != nil {
			return cont, "", err
		}
		cont = renamed
		ll.Info("Continuation path belongs to another batch, using a new one",
			slog.String("taken", taken),
			slog.String("continuation", cont.FilePath))
	}

	if err := rowsource.WriteCSV(cont.FilePath, remaining); err != nil {
		return cont, "", fmt.Errorf("failed to checkpoint remaining rows: %w", err)
	}
	var created string
	if cont.FilePath != item.FilePath {
		created = cont.FilePath
	}

	if !q.PushUnique(cont) {
		ll.Info("Continuation queued concurrently, dropping duplicate", slog.String("continuation", cont.FilePath))
	}
	if cont.FilePath != item.FilePath {
		b.discard(ll, item.FilePath)
	}
	return cont, created, nil
}

func (b *BatchProcessor) processRow(ctx context.Context, ll *slog.Logger, flags *TenantFlags, tenant string, rows *rowsource.Rows, i int) {
	itemID := rows.Value(i, b.cfg.ItemColumn)
	location := entryprocessor.NormalizeLocation(rows.Value(i, b.cfg.LocationColumn))
	if itemID == "" || location == "" {
		flags.updateProgress(func(p *BatchProgress) { p.Skipped++ })
		return
	}

	err := safeProcess(ctx, b.proc, entryprocessor.Entry{
		Tenant:     tenant,
		ItemID:     itemID,
		LocationID: location,
	})
	if err != nil {
		ll.Warn("Row failed",
			slog.String("item", itemID),
			slog.String("location", location),
			slog.Any("error", err))
		flags.updateProgress(func(p *BatchProgress) { p.Failed++ })
		recordEntry(ctx, KindBatch, false)
		return
	}
	flags.updateProgress(func(p *BatchProgress) { p.Processed++ })
	recordEntry(ctx, KindBatch, true)
}

func (b *BatchProcessor) yield(ctx context.Context) error {
	runtime.Gosched()
	if b.cfg.RowPause <= 0 {
		return nil
	}
	t := time.NewTimer(b.cfg.RowPause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BatchProcessor) discard(ll *slog.Logger, path string) {
	if err := removeFile(path); err != nil {
		ll.Warn("Failed to remove batch file", slog.String("path", path), slog.Any("error", err))
	}
}

// safeProcess runs one entry, turning a panic into an error.
func safeProcess(ctx context.Context, proc entryprocessor.Processor, e entryprocessor.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entry processor panicked: %v", r)
		}
	}()
	return proc.Process(ctx, e)
}
