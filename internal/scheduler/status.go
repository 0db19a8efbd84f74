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

// TenantStatus is a point-in-time view of one tenant.
type TenantStatus struct {
	Tenant          string         `json:"tenant"`
	QueueDepth      int            `json:"queue_size"`
	WorkerActive    bool           `json:"worker_active"`
	BatchInProgress bool           `json:"csv_processing"`
	Batch           *BatchProgress `json:"batch,omitempty"`
}

// Status reports the state of tenant. Unknown tenants report an empty,
// idle status; nothing is created for them.
func (s *Supervisor) Status(tenant string) TenantStatus {
	st := TenantStatus{Tenant: tenant}
	if q, ok := s.reg.LookupQueue(tenant); ok {
		st.QueueDepth = q.Len()
	}
	st.WorkerActive = s.reg.WorkerActive(tenant)
	if f, ok := s.reg.lookupFlags(tenant); ok {
		st.BatchInProgress = f.BatchActive()
		st.Batch = f.Progress()
	}
	return st
}

// StatusAll reports every tenant that has had work queued.
func (s *Supervisor) StatusAll() map[string]TenantStatus {
	out := make(map[string]TenantStatus)
	for _, tenant := range s.reg.Tenants() {
		out[tenant] = s.Status(tenant)
	}
	return out
}

// ReferencedFiles returns the paths of every bulk file that is queued or
// being processed.
func (s *Supervisor) ReferencedFiles() map[string]struct{} {
	refs := make(map[string]struct{})
	for _, tenant := range s.reg.Tenants() {
		q, ok := s.reg.LookupQueue(tenant)
		if !ok {
			continue
		}
		for _, w := range q.Outstanding() {
			if b, ok := w.(*BatchItem); ok {
				refs[b.FilePath] = struct{}{}
			}
		}
		if f, ok := s.reg.lookupFlags(tenant); ok {
			if p := f.Progress(); p != nil {
				refs[p.FilePath] = struct{}{}
			}
		}
	}
	return refs
}
