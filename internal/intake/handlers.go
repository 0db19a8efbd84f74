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
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const multipartMemory = 32 << 20

type manualRequest struct {
	Store string `json:"store"`
	UPC   string `json:"upc"`
	Zip   string `json:"zip"`
}

type cancelRequest struct {
	Store string `json:"store"`
	JobID string `json:"job_id"`
}

func isJSON(req *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	return mt == "application/json"
}

// decodeRequest fills v from a JSON body, or from form values via fromForm.
func decodeRequest(req *http.Request, v any, fromForm func()) error {
	if isJSON(req) {
		if err := json.NewDecoder(req.Body).Decode(v); err != nil {
			return fmt.Errorf("%w: invalid JSON: %w", errBadRequest, err)
		}
		return nil
	}
	if err := req.ParseForm(); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	fromForm()
	return nil
}

func (s *Server) handleManual(w http.ResponseWriter, req *http.Request) {
	var body manualRequest
	err := decodeRequest(req, &body, func() {
		body = manualRequest{Store: req.FormValue("store"), UPC: req.FormValue("upc"), Zip: req.FormValue("zip")}
	})
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	body.Store = strings.TrimSpace(body.Store)
	if err := s.checkTenant(body.Store); err != nil {
		s.writeError(w, req, err)
		return
	}

	wait, _ := strconv.ParseBool(req.URL.Query().Get("wait"))
	acc, err := s.backend.SubmitManual(req.Context(), body.Store, strings.TrimSpace(body.UPC), strings.TrimSpace(body.Zip), wait)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.ll.Info("Accepted manual lookup",
		slog.String("tenant", body.Store),
		slog.String("upc", body.UPC),
		slog.String("jobID", acc.JobID))
	writeJSON(w, http.StatusAccepted, acc)
}

// openUpload parses the multipart form and validates the tenant and file
// name. The caller closes the returned file.
func (s *Server) openUpload(w http.ResponseWriter, req *http.Request, field, infix string) (tenant, dest string, file multipart.File, err error) {
	req.Body = http.MaxBytesReader(w, req.Body, s.cfg.MaxUploadSize)
	if err := req.ParseMultipartForm(multipartMemory); err != nil {
		return "", "", nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	tenant = strings.TrimSpace(req.FormValue("store"))
	if err := s.checkTenant(tenant); err != nil {
		return "", "", nil, err
	}
	f, header, err := req.FormFile(field)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: missing %s: %w", errBadRequest, field, err)
	}
	name, err := uploadName(tenant, infix, header.Filename, s.newID())
	if err != nil {
		_ = f.Close()
		return "", "", nil, err
	}
	return tenant, filepath.Join(s.cfg.UploadDir, name), f, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, req *http.Request) {
	tenant, dest, f, err := s.openUpload(w, req, "file", "")
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	defer func() { _ = f.Close() }()

	if err := saveUpload(dest, f, s.cfg.ItemColumn, s.cfg.LocationColumn); err != nil {
		s.writeError(w, req, err)
		return
	}
	s.submitBatch(w, req, tenant, dest)
}

func (s *Server) handleWideSearch(w http.ResponseWriter, req *http.Request) {
	tenant, dest, f, err := s.openUpload(w, req, "zip_file", wideSearchPrefix)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	defer func() { _ = f.Close() }()

	upc := strings.TrimSpace(req.FormValue("upc"))
	if upc == "" {
		s.writeError(w, req, fmt.Errorf("%w: upc is required", errBadRequest))
		return
	}
	if _, err := writeWideSearch(dest, f, upc, s.cfg.ItemColumn, s.cfg.LocationColumn); err != nil {
		s.writeError(w, req, err)
		return
	}
	s.submitBatch(w, req, tenant, dest)
}

func (s *Server) submitBatch(w http.ResponseWriter, req *http.Request, tenant, path string) {
	acc, err := s.backend.SubmitBatch(req.Context(), tenant, path)
	if err != nil {
		_ = os.Remove(path)
		s.writeError(w, req, err)
		return
	}
	s.ll.Info("Accepted bulk file",
		slog.String("tenant", tenant),
		slog.String("file", filepath.Base(path)),
		slog.String("jobID", acc.JobID))
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleCancel(w http.ResponseWriter, req *http.Request) {
	var body cancelRequest
	err := decodeRequest(req, &body, func() {
		body = cancelRequest{Store: req.FormValue("store"), JobID: req.FormValue("job_id")}
	})
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	body.Store = strings.TrimSpace(body.Store)
	if err := s.checkTenant(body.Store); err != nil {
		s.writeError(w, req, err)
		return
	}
	res, err := s.backend.Cancel(req.Context(), body.Store, strings.TrimSpace(body.JobID))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTenantStatus(w http.ResponseWriter, req *http.Request) {
	tenant := req.PathValue("store")
	if err := s.checkTenant(tenant); err != nil {
		s.writeError(w, req, err)
		return
	}
	res, err := s.backend.TenantStatus(req.Context(), tenant)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatusAll(w http.ResponseWriter, req *http.Request) {
	res, err := s.backend.Status(req.Context())
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJob(w http.ResponseWriter, req *http.Request) {
	res, err := s.backend.Job(req.Context(), req.PathValue("id"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
