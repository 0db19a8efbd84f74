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
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

type queueEntry struct {
	item WorkItem
	seq  uint64
}

func (e queueEntry) before(o queueEntry) bool {
	if e.item.Priority() != o.item.Priority() {
		return e.item.Priority() < o.item.Priority()
	}
	return e.seq < o.seq
}

// entryHeap implements heap.Interface ordered by priority, then insertion order.
type entryHeap []queueEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(queueEntry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = queueEntry{}
	*h = old[0 : n-1]
	return e
}

// Queue is the pending work of one tenant. Items come out in priority
// order, FIFO within a priority. Any number of goroutines may push; one
// worker pops.
type Queue struct {
	mu       sync.Mutex
	heap     entryHeap
	seq      uint64
	active   WorkItem
	wakeupCh chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		heap:     make(entryHeap, 0),
		wakeupCh: make(chan struct{}, 1),
	}
}

// Push adds item to the queue. It never blocks.
func (q *Queue) Push(item WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(item)
}

// PushUnique adds item unless a structurally identical item is already
// queued. It reports whether the item was added.
func (q *Queue) PushUnique(item WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.heap {
		if SameItem(e.item, item) {
			return false
		}
	}
	q.pushLocked(item)
	return true
}

func (q *Queue) pushLocked(item WorkItem) {
	q.seq++
	heap.Push(&q.heap, queueEntry{item: item, seq: q.seq})
	q.signalWakeup()
}

// TryPop removes and returns the next item, or false if the queue is empty.
// The item stays visible to Outstanding until Done is called.
func (q *Queue) TryPop() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.heap).(queueEntry).item
	q.active = item
	return item, true
}

// Done marks the most recently popped item as finished.
func (q *Queue) Done() {
	q.mu.Lock()
	q.active = nil
	q.mu.Unlock()
}

// Outstanding returns every queued item plus the popped item that has not
// been marked done, read under one lock.
func (q *Queue) Outstanding() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]WorkItem, 0, len(q.heap)+1)
	if q.active != nil {
		out = append(out, q.active)
	}
	for _, e := range q.heap {
		out = append(out, e.item)
	}
	return out
}

// Pop waits up to timeout for an item. It returns false when the timeout
// elapses or ctx is done with nothing to return.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (WorkItem, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if item, ok := q.TryPop(); ok {
			return item, true
		}
		select {
		case <-q.wakeupCh:
		case <-timer.C:
			return q.TryPop()
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Peek returns up to k items in the order they would be popped, without
// removing them. The cost depends on k, not on the queue length.
func (q *Queue) Peek(k int) []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.heap.Len()
	if k <= 0 || n == 0 {
		return nil
	}
	if k > n {
		k = n
	}

	// Best-first walk down the heap: the next smallest entry is always
	// the root or a child of an entry already emitted.
	out := make([]WorkItem, 0, k)
	frontier := []int{0}
	for len(out) < k && len(frontier) > 0 {
		best := 0
		for i := 1; i < len(frontier); i++ {
			if q.heap[frontier[i]].before(q.heap[frontier[best]]) {
				best = i
			}
		}
		idx := frontier[best]
		frontier[best] = frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		out = append(out, q.heap[idx].item)
		for _, c := range []int{2*idx + 1, 2*idx + 2} {
			if c < n {
				frontier = append(frontier, c)
			}
		}
	}
	return out
}

// Snapshot returns every queued item in pop order without removing any.
func (q *Queue) Snapshot() []WorkItem {
	q.mu.Lock()
	entries := make([]queueEntry, len(q.heap))
	copy(entries, q.heap)
	q.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].before(entries[j]) })
	out := make([]WorkItem, len(entries))
	for i, e := range entries {
		out[i] = e.item
	}
	return out
}

// Contains reports whether a structurally identical item is queued.
func (q *Queue) Contains(item WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.heap {
		if SameItem(e.item, item) {
			return true
		}
	}
	return false
}

// RemoveIf drops every queued item for which match returns true and
// returns the removed items.
func (q *Queue) RemoveIf(match func(WorkItem) bool) []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []WorkItem
	kept := q.heap[:0]
	for _, e := range q.heap {
		if match(e.item) {
			removed = append(removed, e.item)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = queueEntry{}
	}
	q.heap = kept
	if len(removed) > 0 {
		heap.Init(&q.heap)
	}
	return removed
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// signalWakeup signals a waiting Pop (non-blocking)
func (q *Queue) signalWakeup() {
	select {
	case q.wakeupCh <- struct{}{}:
	default:
	}
}
