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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/stockrunner/internal/entryprocessor"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.ManualRetryBackoff = time.Millisecond
	return cfg
}

func newTestSupervisor(t *testing.T, cfg Config, proc entryprocessor.Processor) *Supervisor {
	t.Helper()
	s := NewSupervisor(cfg, proc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitTicket(t *testing.T, ticket *Ticket) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ticket.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestSupervisor_ManualEntry(t *testing.T) {
	proc := &recordingProcessor{}
	s := newTestSupervisor(t, testConfig(), proc)

	ticket, err := s.EnqueueManual("acme", "u1", "301")
	require.NoError(t, err)
	require.NoError(t, waitTicket(t, ticket))

	entries := proc.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, entryprocessor.Entry{Tenant: "acme", ItemID: "u1", LocationID: "00301"}, entries[0])
}

func TestSupervisor_ManualEntryRetries(t *testing.T) {
	var attempts atomic.Int32
	proc := entryprocessor.ProcessorFunc(func(context.Context, entryprocessor.Entry) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	s := newTestSupervisor(t, testConfig(), proc)

	ticket, err := s.EnqueueManual("acme", "u1", "30301")
	require.NoError(t, err)
	require.NoError(t, waitTicket(t, ticket))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSupervisor_ManualEntryGivesUp(t *testing.T) {
	var attempts atomic.Int32
	proc := entryprocessor.ProcessorFunc(func(context.Context, entryprocessor.Entry) error {
		attempts.Add(1)
		return errors.New("down")
	})
	cfg := testConfig()
	cfg.ManualRetries = 1
	s := newTestSupervisor(t, cfg, proc)

	ticket, err := s.EnqueueManual("acme", "u1", "30301")
	require.NoError(t, err)
	assert.EqualError(t, waitTicket(t, ticket), "down")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestSupervisor_AtMostOneWorkerPerTenant(t *testing.T) {
	var mu sync.Mutex
	active := map[string]int{}
	maxActive := map[string]int{}

	proc := entryprocessor.ProcessorFunc(func(_ context.Context, e entryprocessor.Entry) error {
		mu.Lock()
		active[e.Tenant]++
		if active[e.Tenant] > maxActive[e.Tenant] {
			maxActive[e.Tenant] = active[e.Tenant]
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active[e.Tenant]--
		mu.Unlock()
		return nil
	})
	s := newTestSupervisor(t, testConfig(), proc)

	var tickets []*Ticket
	var tmu sync.Mutex
	var wg sync.WaitGroup
	for _, tenant := range []string{"acme", "globex", "initech"} {
		for p := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 10 {
					ticket, err := s.EnqueueManual(tenant, fmt.Sprintf("p%d-%d", p, i), "30301")
					if err != nil {
						continue
					}
					tmu.Lock()
					tickets = append(tickets, ticket)
					tmu.Unlock()
				}
			}()
		}
	}
	wg.Wait()
	require.Len(t, tickets, 120)
	for _, ticket := range tickets {
		require.NoError(t, waitTicket(t, ticket))
	}

	mu.Lock()
	defer mu.Unlock()
	for tenant, n := range maxActive {
		assert.Equal(t, 1, n, "tenant %s ran items concurrently", tenant)
	}
	assert.Len(t, maxActive, 3)
}

func TestSupervisor_WorkerRetiresWhenIdleAndRespawns(t *testing.T) {
	proc := &recordingProcessor{}
	s := newTestSupervisor(t, testConfig(), proc)

	ticket, err := s.EnqueueManual("acme", "u1", "30301")
	require.NoError(t, err)
	require.NoError(t, waitTicket(t, ticket))

	require.Eventually(t, func() bool {
		return !s.Status("acme").WorkerActive
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Registry().WorkerCount())

	ticket, err = s.EnqueueManual("acme", "u2", "30301")
	require.NoError(t, err)
	require.NoError(t, waitTicket(t, ticket))
	assert.Equal(t, []string{"u1", "u2"}, proc.items())
}

func TestSupervisor_BoundedWorkerPool(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	proc := entryprocessor.ProcessorFunc(func(ctx context.Context, _ entryprocessor.Entry) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	cfg := testConfig()
	cfg.MaxWorkers = 2
	s := newTestSupervisor(t, cfg, proc)

	var tickets []*Ticket
	for _, tenant := range []string{"a", "b", "c", "d"} {
		ticket, err := s.EnqueueManual(tenant, "u1", "30301")
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())

	close(release)
	for _, ticket := range tickets {
		require.NoError(t, waitTicket(t, ticket))
	}
	assert.Equal(t, int32(2), peak.Load())
}

// Rows 1..3 of a ten row upload run, a manual lookup arrives during row 3,
// and the lookup runs before row 4.
func TestSupervisor_ManualPreemptsBatch(t *testing.T) {
	dir := t.TempDir()
	path := writeRows(t, dir, "acme_rows.csv", 10)

	var s *Supervisor
	var ticket *Ticket
	var mu sync.Mutex
	proc := &recordingProcessor{}
	proc.hook = func(_ context.Context, e entryprocessor.Entry) error {
		if e.ItemID == "u3" {
			tk, err := s.EnqueueManual("acme", "m1", "30301")
			if err != nil {
				return err
			}
			mu.Lock()
			ticket = tk
			mu.Unlock()
		}
		return nil
	}
	s = newTestSupervisor(t, testConfig(), proc)

	_, err := s.EnqueueBatch("acme", path)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(proc.items()) == 11
	}, 5*time.Second, 10*time.Millisecond)

	want := append(seq("u", 1, 3), "m1")
	want = append(want, seq("u", 4, 10)...)
	assert.Equal(t, want, proc.items())

	mu.Lock()
	require.NotNil(t, ticket)
	mu.Unlock()
	require.NoError(t, waitTicket(t, ticket))
	require.Eventually(t, func() bool { return !s.Status("acme").BatchInProgress }, 2*time.Second, 10*time.Millisecond)
	assert.NoFileExists(t, path)
	require.Eventually(t, func() bool { return len(s.ReferencedFiles()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

// A batch popped by its worker but not yet loaded still counts as referenced.
func TestSupervisor_ReferencedFilesIncludesPoppedBatch(t *testing.T) {
	s := newTestSupervisor(t, testConfig(), &recordingProcessor{})
	q := s.reg.Queue("acme")
	q.Push(mustBatch(t, "acme", "/up/acme_rows.csv", 0, 0))
	q.Push(mustBatch(t, "acme", "/up/temp_acme_acme_list.csv", 2, 9))

	_, ok := q.TryPop()
	require.True(t, ok)
	refs := s.ReferencedFiles()
	assert.Contains(t, refs, "/up/acme_rows.csv")
	assert.Contains(t, refs, "/up/temp_acme_acme_list.csv")

	q.Done()
	refs = s.ReferencedFiles()
	assert.NotContains(t, refs, "/up/acme_rows.csv")
	assert.Contains(t, refs, "/up/temp_acme_acme_list.csv")
}

func TestSupervisor_DuplicateBatchIsSuppressed(t *testing.T) {
	dir := t.TempDir()
	path := writeRows(t, dir, "acme_rows.csv", 2)

	hold := make(chan struct{})
	proc := &recordingProcessor{}
	proc.hook = func(ctx context.Context, e entryprocessor.Entry) error {
		if e.ItemID == "hold" {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
		return nil
	}
	s := newTestSupervisor(t, testConfig(), proc)

	holdTicket, err := s.EnqueueManual("acme", "hold", "30301")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(proc.items()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = s.EnqueueBatch("acme", path)
	require.NoError(t, err)
	_, err = s.EnqueueBatch("acme", path)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, s.Status("acme").QueueDepth)

	close(hold)
	require.NoError(t, waitTicket(t, holdTicket))
	require.Eventually(t, func() bool { return len(proc.items()) == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_CancelBatch(t *testing.T) {
	dir := t.TempDir()
	running := writeRows(t, dir, "acme_first.csv", 10)
	queued := writeRows(t, dir, "acme_second.csv", 10)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	proc := &recordingProcessor{}
	proc.hook = func(ctx context.Context, e entryprocessor.Entry) error {
		if e.ItemID == "u2" {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return nil
	}
	s := newTestSupervisor(t, testConfig(), proc)

	_, err := s.EnqueueBatch("acme", running)
	require.NoError(t, err)
	_, err = s.EnqueueBatch("acme", queued)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never reached row 2")
	}

	st := s.Status("acme")
	assert.True(t, st.BatchInProgress)
	require.NotNil(t, st.Batch)
	assert.Equal(t, running, st.Batch.FilePath)
	assert.Equal(t, 1, st.QueueDepth)

	res := s.CancelBatch("acme")
	assert.True(t, res.InProgress)
	assert.Equal(t, 1, res.Dropped)
	assert.NoFileExists(t, queued)

	close(release)
	require.Eventually(t, func() bool { return !s.Status("acme").BatchInProgress }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"u1", "u2"}, proc.items())
	assert.NoFileExists(t, running)
	assert.Equal(t, 0, s.Status("acme").QueueDepth)
}

func TestSupervisor_StatusHasNoSideEffects(t *testing.T) {
	s := newTestSupervisor(t, testConfig(), &recordingProcessor{})

	st := s.Status("nobody")
	assert.Equal(t, TenantStatus{Tenant: "nobody"}, st)
	assert.Empty(t, s.StatusAll())
	assert.Empty(t, s.Registry().Tenants())
}

func TestSupervisor_StatusAll(t *testing.T) {
	s := newTestSupervisor(t, testConfig(), &recordingProcessor{})
	for _, tenant := range []string{"acme", "globex"} {
		ticket, err := s.EnqueueManual(tenant, "u1", "30301")
		require.NoError(t, err)
		require.NoError(t, waitTicket(t, ticket))
	}
	all := s.StatusAll()
	assert.Len(t, all, 2)
	assert.Contains(t, all, "acme")
	assert.Contains(t, all, "globex")
}

func TestSupervisor_ContinuesAfterPanic(t *testing.T) {
	proc := entryprocessor.ProcessorFunc(func(_ context.Context, e entryprocessor.Entry) error {
		if e.ItemID == "boom" {
			panic("processor exploded")
		}
		return nil
	})
	cfg := testConfig()
	cfg.ManualRetries = 0
	s := newTestSupervisor(t, cfg, proc)

	bad, err := s.EnqueueManual("acme", "boom", "30301")
	require.NoError(t, err)
	good, err := s.EnqueueManual("acme", "ok", "30301")
	require.NoError(t, err)

	assert.ErrorContains(t, waitTicket(t, bad), "panicked")
	assert.NoError(t, waitTicket(t, good))
}

func TestSupervisor_Shutdown(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	proc := entryprocessor.ProcessorFunc(func(ctx context.Context, e entryprocessor.Entry) error {
		if e.ItemID == "hold" {
			select {
			case <-hold:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	cfg := testConfig()
	cfg.ManualRetries = 0
	s := NewSupervisor(cfg, proc)

	first, err := s.EnqueueManual("acme", "hold", "30301")
	require.NoError(t, err)
	queued, err := s.EnqueueManual("globex", "hold", "30301")
	require.NoError(t, err)
	_ = queued

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Error(t, waitTicket(t, first))

	_, err = s.EnqueueManual("acme", "u1", "30301")
	assert.ErrorIs(t, err, ErrShutdown)
}
