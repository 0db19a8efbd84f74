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
	"sync"

	"github.com/cardinalhq/stockrunner/internal/idgen"
)

// Ticket tracks the outcome of one manual entry.
type Ticket struct {
	ID string

	once sync.Once
	done chan struct{}
	err  error
}

func newTicket() *Ticket {
	return &Ticket{
		ID:   idgen.NextULID(),
		done: make(chan struct{}),
	}
}

func (t *Ticket) complete(err error) {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed once the entry has been handled.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the final result. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the entry has been handled or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
