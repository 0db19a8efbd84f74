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

package fly

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeFetcher) Close() error {
	f.closed = true
	return nil
}

func TestConsumer_CommitsAfterHandler(t *testing.T) {
	ff := &fakeFetcher{msgs: []kafka.Message{{Offset: 1}, {Offset: 2}}}
	c := &kafkaConsumer{config: ConsumerConfig{Topic: "t"}, reader: ff}

	ctx, cancel := context.WithCancel(context.Background())
	var seen []int64
	err := c.Consume(ctx, func(_ context.Context, m ConsumedMessage) error {
		seen = append(seen, m.Offset)
		if len(seen) == 2 {
			cancel()
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 2}, seen)
	assert.Equal(t, []int64{1, 2}, ff.committed)

	require.NoError(t, c.Close())
	assert.True(t, ff.closed)
}

func TestConsumer_HandlerErrorSkipsCommit(t *testing.T) {
	ff := &fakeFetcher{msgs: []kafka.Message{{Offset: 7}}}
	c := &kafkaConsumer{config: ConsumerConfig{Topic: "t"}, reader: ff}

	boom := errors.New("boom")
	err := c.Consume(context.Background(), func(context.Context, ConsumedMessage) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, ff.committed)
}
