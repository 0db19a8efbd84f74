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

package reliable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/stockrunner/internal/entryprocessor"
	"github.com/cardinalhq/stockrunner/internal/fly"
	"github.com/cardinalhq/stockrunner/internal/pricedb"
	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

type countingProcessor struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]int // item -> failures before success; -1 fails forever
}

func (c *countingProcessor) Process(_ context.Context, e entryprocessor.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[e.ItemID]++
	if n, ok := c.fail[e.ItemID]; ok && (n < 0 || c.calls[e.ItemID] <= n) {
		return errors.New("lookup failed")
	}
	return nil
}

func (c *countingProcessor) count(item string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[item]
}

func fastConfig() Config {
	return Config{Retries: 2, RetryBackoff: time.Millisecond, CancelCacheTTL: time.Millisecond}
}

func consumed(t *testing.T, tk task) fly.ConsumedMessage {
	t.Helper()
	v, err := tk.encode()
	require.NoError(t, err)
	return fly.ConsumedMessage{Message: fly.Message{Value: v}}
}

func TestWorker_ManualSuccessAfterRetry(t *testing.T) {
	jobs := newFakeJobs()
	job, _ := jobs.CreateJob(context.Background(), pricedb.CreateJobParams{ID: "j1", Tenant: "acme", Status: pricedb.JobPending, TotalRows: 1})
	proc := &countingProcessor{fail: map[string]int{"u1": 2}}
	w := NewWorker(&fakeConsumer{}, &fakeConsumer{}, jobs, proc, fastConfig(), nil)

	msg := consumed(t, task{JobID: job.ID, Tenant: "acme", Kind: scheduler.KindManual, Entries: []taskEntry{{"u1", "00001"}}})
	require.NoError(t, w.handleMessage(context.Background(), msg))

	assert.Equal(t, 3, proc.count("u1"))
	assert.Equal(t, pricedb.JobCompleted, jobs.get("j1").Status)
	assert.Equal(t, int32(1), jobs.get("j1").Processed)
}

func TestWorker_ManualGivesUp(t *testing.T) {
	jobs := newFakeJobs()
	_, _ = jobs.CreateJob(context.Background(), pricedb.CreateJobParams{ID: "j1", Tenant: "acme", Status: pricedb.JobPending, TotalRows: 1})
	proc := &countingProcessor{fail: map[string]int{"u1": -1}}
	w := NewWorker(&fakeConsumer{}, &fakeConsumer{}, jobs, proc, fastConfig(), nil)

	msg := consumed(t, task{JobID: "j1", Tenant: "acme", Kind: scheduler.KindManual, Entries: []taskEntry{{"u1", "00001"}}})
	require.NoError(t, w.handleMessage(context.Background(), msg))

	assert.Equal(t, 3, proc.count("u1"))
	assert.Equal(t, pricedb.JobFailed, jobs.get("j1").Status)
	assert.Equal(t, "lookup failed", jobs.get("j1").Error)
}

func TestWorker_ChunksCompleteJob(t *testing.T) {
	jobs := newFakeJobs()
	_, _ = jobs.CreateJob(context.Background(), pricedb.CreateJobParams{ID: "j1", Tenant: "acme", Status: pricedb.JobPending, TotalRows: 4, Chunks: 2})
	proc := &countingProcessor{fail: map[string]int{"bad": -1}}
	w := NewWorker(&fakeConsumer{}, &fakeConsumer{}, jobs, proc, fastConfig(), nil)
	ctx := context.Background()

	require.NoError(t, w.handleMessage(ctx, consumed(t, task{JobID: "j1", Tenant: "acme", Kind: scheduler.KindBatch, Chunk: 0,
		Entries: []taskEntry{{"a", "00001"}, {"bad", "00001"}}})))
	assert.Equal(t, pricedb.JobProcessing, jobs.get("j1").Status)

	require.NoError(t, w.handleMessage(ctx, consumed(t, task{JobID: "j1", Tenant: "acme", Kind: scheduler.KindBatch, Chunk: 1,
		Entries: []taskEntry{{"b", "00001"}, {"", "00001"}}})))

	j := jobs.get("j1")
	assert.Equal(t, pricedb.JobCompleted, j.Status)
	assert.Equal(t, int32(2), j.Processed)
	assert.Equal(t, int32(2), j.Failed)
	assert.Equal(t, 0, proc.count(""))
}

func TestWorker_SkipsCancelledJob(t *testing.T) {
	jobs := newFakeJobs()
	_, _ = jobs.CreateJob(context.Background(), pricedb.CreateJobParams{ID: "j1", Tenant: "acme", Status: pricedb.JobPending, TotalRows: 2})
	_, _ = jobs.SetJobStatus(context.Background(), pricedb.SetJobStatusParams{ID: "j1", Status: pricedb.JobCancelled})
	proc := &countingProcessor{}
	w := NewWorker(&fakeConsumer{}, &fakeConsumer{}, jobs, proc, fastConfig(), nil)

	require.NoError(t, w.handleMessage(context.Background(), consumed(t, task{JobID: "j1", Tenant: "acme", Kind: scheduler.KindBatch,
		Entries: []taskEntry{{"a", "00001"}, {"b", "00001"}}})))

	assert.Equal(t, 0, proc.count("a"))
	assert.Equal(t, pricedb.JobCancelled, jobs.get("j1").Status)
}

func TestWorker_DropsUndecodable(t *testing.T) {
	w := NewWorker(&fakeConsumer{}, &fakeConsumer{}, newFakeJobs(), &countingProcessor{}, fastConfig(), nil)
	assert.NoError(t, w.handleMessage(context.Background(), fly.ConsumedMessage{Message: fly.Message{Value: []byte("{")}}))
	assert.NoError(t, w.handleMessage(context.Background(), fly.ConsumedMessage{Message: fly.Message{Value: []byte("{}")}}))
}

func TestWorker_RunConsumesBothTopics(t *testing.T) {
	jobs := newFakeJobs()
	ctx := context.Background()
	_, _ = jobs.CreateJob(ctx, pricedb.CreateJobParams{ID: "m", Tenant: "acme", Status: pricedb.JobPending, TotalRows: 1})
	_, _ = jobs.CreateJob(ctx, pricedb.CreateJobParams{ID: "b", Tenant: "acme", Status: pricedb.JobPending, TotalRows: 1})

	manual := &fakeConsumer{msgs: []fly.ConsumedMessage{consumed(t, task{JobID: "m", Tenant: "acme", Kind: scheduler.KindManual, Entries: []taskEntry{{"x", "00001"}}})}}
	batch := &fakeConsumer{msgs: []fly.ConsumedMessage{consumed(t, task{JobID: "b", Tenant: "acme", Kind: scheduler.KindBatch, Entries: []taskEntry{{"y", "00001"}}})}}
	w := NewWorker(manual, batch, jobs, &countingProcessor{}, fastConfig(), nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	assert.Eventually(t, func() bool {
		return jobs.get("m").Status == pricedb.JobCompleted && jobs.get("b").Status == pricedb.JobCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	require.NoError(t, w.Close())
	assert.True(t, manual.closed)
	assert.True(t, batch.closed)
}
