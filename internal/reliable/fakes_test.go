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
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cardinalhq/stockrunner/internal/fly"
	"github.com/cardinalhq/stockrunner/internal/pricedb"
)

type sentMessage struct {
	topic string
	msg   fly.Message
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (p *fakeProducer) Send(_ context.Context, topic string, m fly.Message) error {
	return p.BatchSend(context.Background(), topic, []fly.Message{m})
}

func (p *fakeProducer) BatchSend(_ context.Context, topic string, msgs []fly.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, m := range msgs {
		p.sent = append(p.sent, sentMessage{topic: topic, msg: m})
	}
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}

// fakeJobs mirrors the SQL semantics of the jobs queries.
type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]pricedb.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]pricedb.Job{}}
}

func (f *fakeJobs) CreateJob(_ context.Context, arg pricedb.CreateJobParams) (pricedb.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	j := pricedb.Job{
		ID:         arg.ID,
		Tenant:     arg.Tenant,
		Kind:       arg.Kind,
		Status:     arg.Status,
		TotalRows:  arg.TotalRows,
		Chunks:     arg.Chunks,
		SourceFile: arg.SourceFile,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (pricedb.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return pricedb.Job{}, pgx.ErrNoRows
	}
	return j, nil
}

func (f *fakeJobs) AddJobProgress(_ context.Context, arg pricedb.AddJobProgressParams) (pricedb.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[arg.ID]
	if !ok || j.Status.Terminal() {
		return pricedb.Job{}, pgx.ErrNoRows
	}
	j.Processed += arg.Processed
	j.Failed += arg.Failed
	j.Status = pricedb.JobProcessing
	if j.Processed+j.Failed >= j.TotalRows {
		j.Status = pricedb.JobCompleted
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) SetJobStatus(_ context.Context, arg pricedb.SetJobStatusParams) (pricedb.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[arg.ID]
	if !ok || j.Status.Terminal() {
		return pricedb.Job{}, pgx.ErrNoRows
	}
	j.Status = arg.Status
	j.Error = arg.Error
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) ListActiveJobs(_ context.Context, tenant string) ([]pricedb.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pricedb.Job
	for _, j := range f.jobs {
		if j.Tenant == tenant && !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobs) get(id string) pricedb.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

// fakeConsumer replays a fixed set of messages then blocks until ctx ends.
type fakeConsumer struct {
	msgs   []fly.ConsumedMessage
	closed bool
}

func (c *fakeConsumer) Consume(ctx context.Context, handler fly.MessageHandler) error {
	for _, m := range c.msgs {
		if err := handler(ctx, m); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConsumer) Close() error {
	c.closed = true
	return nil
}
