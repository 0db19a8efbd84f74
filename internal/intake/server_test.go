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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/stockrunner/internal/healthcheck"
	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

type manualCall struct {
	tenant, item, location string
	wait                   bool
}

type fakeBackend struct {
	mu        sync.Mutex
	manual    []manualCall
	batches   []string
	cancels   []string
	batchErr  error
	manualErr error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) SubmitManual(_ context.Context, tenant, itemID, locationID string, wait bool) (Accepted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manualErr != nil {
		return Accepted{}, f.manualErr
	}
	f.manual = append(f.manual, manualCall{tenant, itemID, locationID, wait})
	return Accepted{JobID: "job-1", Tenant: tenant, Kind: "manual", Status: "queued"}, nil
}

func (f *fakeBackend) SubmitBatch(_ context.Context, tenant, path string) (Accepted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return Accepted{}, f.batchErr
	}
	f.batches = append(f.batches, path)
	return Accepted{Tenant: tenant, Kind: "batch", Status: "queued", FilePath: path}, nil
}

func (f *fakeBackend) Cancel(_ context.Context, tenant, jobID string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, tenant+"/"+jobID)
	return scheduler.CancelResult{Tenant: tenant, InProgress: true}, nil
}

func (f *fakeBackend) TenantStatus(_ context.Context, tenant string) (any, error) {
	return scheduler.TenantStatus{Tenant: tenant, QueueDepth: 2}, nil
}

func (f *fakeBackend) Status(context.Context) (any, error) {
	return map[string]scheduler.TenantStatus{"acme": {Tenant: "acme"}}, nil
}

func (f *fakeBackend) Job(_ context.Context, id string) (any, error) {
	if id == "known" {
		return JobView{ID: id, Status: "completed"}, nil
	}
	return nil, ErrJobNotFound
}

func newTestServer(t *testing.T, backend Backend) (*Server, http.Handler) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UploadDir = t.TempDir()
	cfg.MaxUploadSize = 1 << 20
	health := healthcheck.NewChecker()
	health.SetStatus(healthcheck.StatusHealthy)
	s, err := NewServer(cfg, backend, []string{"acme", "globex"}, health, nil)
	require.NoError(t, err)
	var n atomic.Int64
	s.newID = func() string { return fmt.Sprintf("ID%d", n.Add(1)) }
	return s, s.Handler()
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_ManualJSON(t *testing.T) {
	fb := &fakeBackend{}
	_, h := newTestServer(t, fb)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/manual?wait=true", strings.NewReader(`{"store":"acme","upc":" 123 ","zip":"501"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(h, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	var acc Accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, "job-1", acc.JobID)
	assert.Equal(t, []manualCall{{"acme", "123", "501", true}}, fb.manual)
}

func TestServer_ManualForm(t *testing.T) {
	fb := &fakeBackend{}
	_, h := newTestServer(t, fb)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/manual", strings.NewReader("store=globex&upc=9&zip=30301"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(h, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []manualCall{{"globex", "9", "30301", false}}, fb.manual)
}

func TestServer_ManualErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		backendErr error
		want       int
	}{
		{"unknown store", `{"store":"initech","upc":"1","zip":"2"}`, nil, http.StatusBadRequest},
		{"missing store", `{"upc":"1","zip":"2"}`, nil, http.StatusBadRequest},
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"invalid item", `{"store":"acme"}`, scheduler.ErrInvalidItem, http.StatusBadRequest},
		{"shut down", `{"store":"acme","upc":"1","zip":"2"}`, scheduler.ErrShutdown, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{manualErr: tt.backendErr}
			_, h := newTestServer(t, fb)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/manual", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := do(h, req)
			assert.Equal(t, tt.want, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, rec.Header().Get(requestIDHeader), resp.RequestID)
		})
	}
}

func TestServer_Upload(t *testing.T) {
	fb := &fakeBackend{}
	s, h := newTestServer(t, fb)

	body, ct := multipartBody(t, map[string]string{"store": "acme"}, "file", "../My List.csv", "UPC,Zip\n1,30301\n")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := do(h, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	first := filepath.Join(s.cfg.UploadDir, "acme_My_List_ID1.csv")
	assert.Equal(t, []string{first}, fb.batches)
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "UPC,Zip\n1,30301\n", string(data))

	// The same name again gets its own file and leaves the first alone.
	body, ct = multipartBody(t, map[string]string{"store": "acme"}, "file", "My List.csv", "upc,zip\n2,30302\n")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ct)
	rec = do(h, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	second := filepath.Join(s.cfg.UploadDir, "acme_My_List_ID2.csv")
	assert.Equal(t, []string{first, second}, fb.batches)
	data, err = os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "UPC,Zip\n1,30301\n", string(data))
	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "upc,zip\n2,30302\n", string(data))
}

// A file left behind by an earlier batch is never overwritten, and the next
// upload gets a name of its own.
func TestServer_UploadIgnoresLeftoverFile(t *testing.T) {
	fb := &fakeBackend{}
	s, h := newTestServer(t, fb)
	leftover := filepath.Join(s.cfg.UploadDir, "acme_a_ID1.csv")
	require.NoError(t, os.WriteFile(leftover, []byte("upc,zip\n9,30301\n"), 0o644))
	s.newID = func() string { return "ID1" }

	body, ct := multipartBody(t, map[string]string{"store": "acme"}, "file", "a.csv", "upc,zip\n1,2\n")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := do(h, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, fb.batches)

	s.newID = func() string { return "ID2" }
	body, ct = multipartBody(t, map[string]string{"store": "acme"}, "file", "a.csv", "upc,zip\n1,2\n")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ct)
	rec = do(h, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{filepath.Join(s.cfg.UploadDir, "acme_a_ID2.csv")}, fb.batches)
}

func TestServer_UploadRejected(t *testing.T) {
	tests := []struct {
		name     string
		store    string
		filename string
		content  string
		want     int
	}{
		{"missing column", "acme", "a.csv", "upc,city\n1,x\n", http.StatusBadRequest},
		{"spreadsheet", "acme", "a.xlsx", "PK", http.StatusBadRequest},
		{"unknown store", "initech", "a.csv", "upc,zip\n1,2\n", http.StatusBadRequest},
		{"empty file", "acme", "a.csv", "", http.StatusBadRequest},
		{"too large", "acme", "a.csv", "upc,zip\n" + strings.Repeat("1,30301\n", 200000), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{}
			s, h := newTestServer(t, fb)
			body, ct := multipartBody(t, map[string]string{"store": tt.store}, "file", tt.filename, tt.content)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
			req.Header.Set("Content-Type", ct)
			rec := do(h, req)

			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Empty(t, fb.batches)
			entries, err := os.ReadDir(s.cfg.UploadDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestServer_UploadSubmitFailureRemovesFile(t *testing.T) {
	fb := &fakeBackend{batchErr: scheduler.ErrDuplicate}
	s, h := newTestServer(t, fb)
	body, ct := multipartBody(t, map[string]string{"store": "acme"}, "file", "a.csv", "upc,zip\n1,2\n")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := do(h, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	entries, err := os.ReadDir(s.cfg.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServer_WideSearch(t *testing.T) {
	fb := &fakeBackend{}
	s, h := newTestServer(t, fb)

	body, ct := multipartBody(t, map[string]string{"store": "acme", "upc": "777"}, "zip_file", "zips.csv", "Zip,City\n30301,Atlanta\n,\n10001,New York\n")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wide-search", body)
	req.Header.Set("Content-Type", ct)
	rec := do(h, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	want := filepath.Join(s.cfg.UploadDir, "acme_wide_search_zips_ID1.csv")
	assert.Equal(t, []string{want}, fb.batches)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "upc,zip\n777,30301\n777,10001\n", string(data))
}

func TestServer_WideSearchNeedsUPC(t *testing.T) {
	fb := &fakeBackend{}
	_, h := newTestServer(t, fb)
	body, ct := multipartBody(t, map[string]string{"store": "acme"}, "zip_file", "zips.csv", "zip\n30301\n")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wide-search", body)
	req.Header.Set("Content-Type", ct)
	rec := do(h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fb.batches)
}

func TestServer_CancelAndStatus(t *testing.T) {
	fb := &fakeBackend{}
	_, h := newTestServer(t, fb)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cancel", strings.NewReader(`{"store":"acme"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"acme/"}, fb.cancels)
	var res scheduler.CancelResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.InProgress)

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/status/acme", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st scheduler.TenantStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.QueueDepth)

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/status/initech", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acme")
}

func TestServer_Job(t *testing.T) {
	_, h := newTestServer(t, &fakeBackend{})

	rec := do(h, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/known", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HealthRoutesAndRequestID(t *testing.T) {
	_, h := newTestServer(t, &fakeBackend{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc")
	rec := do(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Header().Get(requestIDHeader))
}

func TestUploadName(t *testing.T) {
	name, err := uploadName("acme", "", "C:\\Users\\me\\list 1.CSV", "01J0")
	require.NoError(t, err)
	assert.Equal(t, "acme_list_1_01J0.csv", name)

	name, err = uploadName("acme", wideSearchPrefix, "z.csv", "01J1")
	require.NoError(t, err)
	assert.Equal(t, "acme_wide_search_z_01J1.csv", name)

	_, err = uploadName("acme", "", "...csv", "01J2")
	assert.Error(t, err)
	_, err = uploadName("acme", "", "list.txt", "01J3")
	assert.Error(t, err)
}
