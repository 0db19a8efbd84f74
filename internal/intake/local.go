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

package intake

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

const ticketRetention = 15 * time.Minute

// JobView describes a manual lookup submitted to the local backend.
type JobView struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"store"`
	ItemID      string    `json:"upc"`
	LocationID  string    `json:"zip"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type ticketRecord struct {
	tenant     string
	itemID     string
	locationID string
	submitted  time.Time
	ticket     *scheduler.Ticket
}

func (r *ticketRecord) view() JobView {
	v := JobView{
		ID:          r.ticket.ID,
		Tenant:      r.tenant,
		ItemID:      r.itemID,
		LocationID:  r.locationID,
		Status:      "pending",
		SubmittedAt: r.submitted,
	}
	select {
	case <-r.ticket.Done():
		if err := r.ticket.Err(); err != nil {
			v.Status = "failed"
			v.Error = err.Error()
		} else {
			v.Status = "completed"
		}
	default:
	}
	return v
}

// LocalBackend runs work on the in-process scheduler. Manual tickets are
// kept for a while so their outcome can be looked up by id.
type LocalBackend struct {
	sup     *scheduler.Supervisor
	tickets *ttlcache.Cache[string, *ticketRecord]
}

var _ Backend = (*LocalBackend)(nil)

func NewLocalBackend(sup *scheduler.Supervisor) *LocalBackend {
	b := &LocalBackend{
		sup: sup,
		tickets: ttlcache.New(
			ttlcache.WithTTL[string, *ticketRecord](ticketRetention),
			ttlcache.WithDisableTouchOnHit[string, *ticketRecord](),
		),
	}
	go b.tickets.Start()
	return b
}

// Close stops the ticket cache janitor.
func (b *LocalBackend) Close() {
	b.tickets.Stop()
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) SubmitManual(ctx context.Context, tenant, itemID, locationID string, wait bool) (Accepted, error) {
	ticket, err := b.sup.EnqueueManual(tenant, itemID, locationID)
	if err != nil {
		return Accepted{}, err
	}
	rec := &ticketRecord{
		tenant:     tenant,
		itemID:     itemID,
		locationID: locationID,
		submitted:  time.Now(),
		ticket:     ticket,
	}
	b.tickets.Set(ticket.ID, rec, ttlcache.DefaultTTL)

	acc := Accepted{JobID: ticket.ID, Tenant: tenant, Kind: string(scheduler.KindManual), Status: "queued"}
	if !wait {
		return acc, nil
	}
	if err := ticket.Wait(ctx); err != nil && ctx.Err() != nil {
		return Accepted{}, err
	}
	v := rec.view()
	acc.Status = v.Status
	acc.Error = v.Error
	return acc, nil
}

func (b *LocalBackend) SubmitBatch(_ context.Context, tenant, path string) (Accepted, error) {
	item, err := b.sup.EnqueueBatch(tenant, path)
	if err != nil {
		return Accepted{}, err
	}
	return Accepted{Tenant: tenant, Kind: string(scheduler.KindBatch), Status: "queued", FilePath: item.FilePath}, nil
}

func (b *LocalBackend) Cancel(_ context.Context, tenant, _ string) (any, error) {
	return b.sup.CancelBatch(tenant), nil
}

func (b *LocalBackend) TenantStatus(_ context.Context, tenant string) (any, error) {
	return b.sup.Status(tenant), nil
}

func (b *LocalBackend) Status(context.Context) (any, error) {
	return b.sup.StatusAll(), nil
}

func (b *LocalBackend) Job(_ context.Context, id string) (any, error) {
	item := b.tickets.Get(id)
	if item == nil {
		return nil, ErrJobNotFound
	}
	return item.Value().view(), nil
}
