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
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BatchProgress describes the batch a tenant is currently working through.
type BatchProgress struct {
	FilePath  string    `json:"file_path"`
	Position  int       `json:"position"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	StartedAt time.Time `json:"started_at"`
}

// TenantFlags holds per-tenant batch state shared between the worker and
// the control surface.
type TenantFlags struct {
	batchActive     atomic.Bool
	cancelRequested atomic.Bool

	mu       sync.Mutex
	progress *BatchProgress
}

// BatchActive reports whether a batch is being processed right now.
func (f *TenantFlags) BatchActive() bool { return f.batchActive.Load() }

// CancelRequested reports whether a cancel is pending for the running batch.
func (f *TenantFlags) CancelRequested() bool { return f.cancelRequested.Load() }

// RequestCancel marks the running batch for cancellation. It reports false
// when no batch is running, in which case nothing is recorded.
func (f *TenantFlags) RequestCancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.batchActive.Load() {
		return false
	}
	f.cancelRequested.Store(true)
	return true
}

// takeCancel consumes a pending cancel request.
func (f *TenantFlags) takeCancel() bool {
	return f.cancelRequested.CompareAndSwap(true, false)
}

// beginBatch starts a batch with no cancel pending.
func (f *TenantFlags) beginBatch(p BatchProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = &p
	f.cancelRequested.Store(false)
	f.batchActive.Store(true)
}

func (f *TenantFlags) updateProgress(fn func(p *BatchProgress)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progress != nil {
		fn(f.progress)
	}
}

// endBatch clears the batch state. It is also used to recover from a
// worker fault, so it must be safe to call when no batch is active.
func (f *TenantFlags) endBatch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchActive.Store(false)
	f.cancelRequested.Store(false)
	f.progress = nil
}

// Progress returns a copy of the running batch progress, or nil.
func (f *TenantFlags) Progress() *BatchProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progress == nil {
		return nil
	}
	p := *f.progress
	return &p
}

type workerHandle struct {
	id           uint64
	startedAt    time.Time
	lastActivity atomic.Int64
}

func (h *workerHandle) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

// Registry owns the tenant-keyed state of a scheduler: queues, live
// worker handles and batch flags. A single mutex guards the maps.
type Registry struct {
	mu      sync.Mutex
	queues  map[string]*Queue
	workers map[string]*workerHandle
	flags   map[string]*TenantFlags
	nextID  uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		queues:  make(map[string]*Queue),
		workers: make(map[string]*workerHandle),
		flags:   make(map[string]*TenantFlags),
	}
}

// Queue returns the queue for tenant, creating it on first use.
func (r *Registry) Queue(tenant string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queueLocked(tenant)
}

func (r *Registry) queueLocked(tenant string) *Queue {
	q, ok := r.queues[tenant]
	if !ok {
		q = NewQueue()
		r.queues[tenant] = q
	}
	return q
}

// LookupQueue returns the queue for tenant without creating one.
func (r *Registry) LookupQueue(tenant string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[tenant]
	return q, ok
}

// Flags returns the batch flags for tenant, creating them on first use.
func (r *Registry) Flags(tenant string) *TenantFlags {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[tenant]
	if !ok {
		f = &TenantFlags{}
		r.flags[tenant] = f
	}
	return f
}

func (r *Registry) lookupFlags(tenant string) (*TenantFlags, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[tenant]
	return f, ok
}

// WorkerActive reports whether tenant has a registered worker.
func (r *Registry) WorkerActive(tenant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[tenant]
	return ok
}

// WorkerCount returns the number of registered workers.
func (r *Registry) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Tenants returns every tenant that has ever had a queue, sorted.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.queues))
	for t := range r.queues {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TotalDepth sums the depth of every tenant queue.
func (r *Registry) TotalDepth() int {
	r.mu.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	total := 0
	for _, q := range queues {
		total += q.Len()
	}
	return total
}

// claimWorker registers a new worker for tenant unless one is already
// registered. The returned handle is nil when a worker already exists.
func (r *Registry) claimWorker(tenant string) *workerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[tenant]; ok {
		return nil
	}
	r.nextID++
	h := &workerHandle{id: r.nextID, startedAt: time.Now()}
	h.touch()
	r.workers[tenant] = h
	return h
}

// retireWorker deregisters h if the tenant queue is still empty. Checking
// the depth under the registry lock means a concurrent producer either
// sees the queue as non-empty here, or finds no worker and spawns one.
func (r *Registry) retireWorker(tenant string, h *workerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queueLocked(tenant).Len() > 0 {
		return false
	}
	if cur, ok := r.workers[tenant]; ok && cur == h {
		delete(r.workers, tenant)
	}
	return true
}

// releaseWorker deregisters h unconditionally.
func (r *Registry) releaseWorker(tenant string, h *workerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.workers[tenant]; ok && cur == h {
		delete(r.workers, tenant)
	}
}
