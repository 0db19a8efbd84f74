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
	"sync"
	"time"

	"github.com/cardinalhq/stockrunner/internal/entryprocessor"
)

var (
	// ErrShutdown is returned by enqueue operations after Shutdown.
	ErrShutdown = errors.New("scheduler is shut down")

	// ErrDuplicate is returned when an identical batch item is already queued.
	ErrDuplicate = errors.New("identical batch already queued")
)

// Supervisor runs at most one worker per tenant, creating workers on
// demand and retiring them when their queue stays empty for IdleTimeout.
// The number of workers running at once is bounded by MaxWorkers.
type Supervisor struct {
	cfg   Config
	reg   *Registry
	proc  entryprocessor.Processor
	batch *BatchProcessor
	slots chan struct{}
	ll    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifeMu sync.RWMutex
	closed bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRegistry makes the supervisor use reg instead of a fresh registry.
func WithRegistry(reg *Registry) Option {
	return func(s *Supervisor) {
		s.reg = reg
	}
}

// WithLogger sets the logger used by the supervisor and its workers.
func WithLogger(ll *slog.Logger) Option {
	return func(s *Supervisor) {
		s.ll = ll
	}
}

// NewSupervisor returns a running supervisor. Workers start lazily on
// the first enqueue for a tenant.
func NewSupervisor(cfg Config, proc entryprocessor.Processor, opts ...Option) *Supervisor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:    cfg,
		proc:   proc,
		ll:     slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(chan struct{}, cfg.MaxWorkers),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil {
		s.reg = NewRegistry()
	}
	s.ll = s.ll.With(slog.String("component", "scheduler"))
	s.batch = NewBatchProcessor(s.reg, proc, cfg, s.ll)

	registerSupervisorGauges(s)
	return s
}

// Registry returns the tenant state owned by the supervisor.
func (s *Supervisor) Registry() *Registry {
	return s.reg
}

// Enqueue pushes item onto its tenant queue and makes sure a worker is
// serving that tenant. Batch items structurally identical to a queued
// item are rejected with ErrDuplicate.
func (s *Supervisor) Enqueue(item WorkItem) error {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	if s.closed {
		return ErrShutdown
	}

	tenant := item.Tenant()
	q := s.reg.Queue(tenant)
	if b, ok := item.(*BatchItem); ok {
		if !q.PushUnique(b) {
			s.ll.Info("Ignoring duplicate batch", slog.String("tenant", tenant), slog.String("item", b.String()))
			return ErrDuplicate
		}
	} else {
		q.Push(item)
	}
	recordEnqueued(item.Kind())
	s.ll.Debug("Enqueued work", slog.String("tenant", tenant), slog.String("item", item.String()), slog.Int("queueDepth", q.Len()))

	s.ensureWorker(tenant)
	return nil
}

// EnqueueManual queues a high priority lookup and returns a ticket that
// completes when the lookup has been handled.
func (s *Supervisor) EnqueueManual(tenant, itemID, locationID string) (*Ticket, error) {
	item, err := NewManualItem(tenant, itemID, locationID)
	if err != nil {
		return nil, err
	}
	item.ticket = newTicket()
	if err := s.Enqueue(item); err != nil {
		return nil, err
	}
	return item.ticket, nil
}

// EnqueueBatch queues a freshly uploaded bulk file.
func (s *Supervisor) EnqueueBatch(tenant, path string) (*BatchItem, error) {
	item, err := NewBatchItem(tenant, path, 0, 0)
	if err != nil {
		return nil, err
	}
	if err := s.Enqueue(item); err != nil {
		return nil, err
	}
	return item, nil
}

// CancelResult reports what a cancel request affected.
type CancelResult struct {
	Tenant     string `json:"tenant"`
	InProgress bool   `json:"in_progress"`
	Dropped    int    `json:"dropped"`
}

// CancelBatch stops the running batch of tenant at its next row and drops
// every queued batch item for the tenant, along with its file.
func (s *Supervisor) CancelBatch(tenant string) CancelResult {
	res := CancelResult{Tenant: tenant}
	res.InProgress = s.reg.Flags(tenant).RequestCancel()

	if q, ok := s.reg.LookupQueue(tenant); ok {
		removed := q.RemoveIf(func(w WorkItem) bool {
			_, isBatch := w.(*BatchItem)
			return isBatch
		})
		for _, w := range removed {
			b := w.(*BatchItem)
			if err := removeFile(b.FilePath); err != nil {
				s.ll.Warn("Failed to remove cancelled batch file", slog.String("tenant", tenant), slog.String("path", b.FilePath), slog.Any("error", err))
			}
		}
		res.Dropped = len(removed)
	}

	if res.InProgress || res.Dropped > 0 {
		s.ll.Info("Batch cancel requested", slog.String("tenant", tenant), slog.Bool("inProgress", res.InProgress), slog.Int("dropped", res.Dropped))
	}
	return res
}

// Shutdown stops all workers and waits for them to exit, or for ctx.
// Manual tickets still queued complete with ErrShutdown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.lifeMu.Lock()
	s.closed = true
	s.lifeMu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, tenant := range s.reg.Tenants() {
		q := s.reg.Queue(tenant)
		q.RemoveIf(func(w WorkItem) bool {
			if m, ok := w.(*ManualItem); ok {
				m.ticket.complete(ErrShutdown)
				return true
			}
			return false
		})
	}
	return nil
}

// ensureWorker starts a worker for tenant unless one is registered.
// Callers hold lifeMu for reading.
func (s *Supervisor) ensureWorker(tenant string) {
	h := s.reg.claimWorker(tenant)
	if h == nil {
		return
	}
	s.wg.Add(1)
	recordWorkerSpawned()
	go s.runWorker(tenant, h)
}

func (s *Supervisor) runWorker(tenant string, h *workerHandle) {
	defer s.wg.Done()
	ll := s.ll.With(slog.String("tenant", tenant), slog.Uint64("worker", h.id))

	select {
	case s.slots <- struct{}{}:
	case <-s.ctx.Done():
		s.reg.releaseWorker(tenant, h)
		return
	}
	defer func() { <-s.slots }()

	ll.Debug("Worker started")
	q := s.reg.Queue(tenant)
	for {
		item, ok := q.Pop(s.ctx, s.cfg.IdleTimeout)
		if !ok {
			if s.ctx.Err() != nil {
				s.reg.releaseWorker(tenant, h)
				ll.Debug("Worker stopped")
				return
			}
			if s.reg.retireWorker(tenant, h) {
				recordWorkerRetired()
				ll.Debug("Worker idle, retiring", slog.Duration("idleTimeout", s.cfg.IdleTimeout))
				return
			}
			continue
		}
		h.touch()
		s.handle(tenant, item, ll)
		q.Done()
	}
}

// handle runs one item. Faults are contained to the item.
func (s *Supervisor) handle(tenant string, item WorkItem, ll *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			ll.Error("Recovered from panic while handling work", slog.String("item", item.String()), slog.Any("panic", r))
			recordWorkerPanic(item.Kind())
			s.reg.Flags(tenant).endBatch()
			if m, ok := item.(*ManualItem); ok {
				m.ticket.complete(fmt.Errorf("panic while handling %s: %v", m, r))
			}
		}
	}()

	if item.Tenant() != tenant {
		ll.Error("Dropping work queued under the wrong tenant", slog.String("item", item.String()))
		return
	}

	switch it := item.(type) {
	case *ManualItem:
		s.runManual(it, ll)
	case *BatchItem:
		outcome, err := s.batch.Run(s.ctx, it)
		if err != nil {
			if s.ctx.Err() != nil {
				ll.Info("Batch interrupted by shutdown", slog.String("item", it.String()))
				return
			}
			ll.Error("Batch failed", slog.String("item", it.String()), slog.Any("error", err))
			s.reg.Flags(tenant).endBatch()
			return
		}
		ll.Debug("Batch finished", slog.String("item", it.String()), slog.String("outcome", outcome.String()))
	default:
		ll.Error("Dropping unknown work item", slog.String("item", item.String()))
	}
}

// runManual processes a manual entry with retries and exponential backoff.
func (s *Supervisor) runManual(m *ManualItem, ll *slog.Logger) {
	entry := entryprocessor.Entry{
		Tenant:     m.Tenant(),
		ItemID:     m.ItemID,
		LocationID: entryprocessor.NormalizeLocation(m.LocationID),
	}

	var err error
	backoff := s.cfg.ManualRetryBackoff
	for attempt := 0; attempt <= s.cfg.ManualRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-s.ctx.Done():
				t.Stop()
				m.ticket.complete(errors.Join(err, s.ctx.Err()))
				return
			}
			backoff *= 2
		}

		err = safeProcess(s.ctx, s.proc, entry)
		if err == nil {
			break
		}
		ll.Warn("Manual entry failed",
			slog.String("item", entry.ItemID),
			slog.String("location", entry.LocationID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}

	recordEntry(s.ctx, KindManual, err == nil)
	if err == nil {
		ll.Info("Manual entry processed", slog.String("item", entry.ItemID), slog.String("location", entry.LocationID))
	}
	m.ticket.complete(err)
}
