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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cardinalhq/stockrunner/internal/healthcheck"
	"github.com/cardinalhq/stockrunner/internal/idgen"
	"github.com/cardinalhq/stockrunner/internal/reliable"
	"github.com/cardinalhq/stockrunner/internal/rowsource"
	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

// Server is the HTTP front end for submitting and tracking work.
type Server struct {
	cfg     Config
	backend Backend
	health  *healthcheck.Checker
	tenants map[string]struct{}
	newID   func() string
	ll      *slog.Logger
}

// NewServer builds a server for the given tenants. The upload directory
// is created if needed.
func NewServer(cfg Config, backend Backend, tenants []string, health *healthcheck.Checker, ll *slog.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if ll == nil {
		ll = slog.Default()
	}
	if health == nil {
		health = healthcheck.NewChecker()
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	allowed := make(map[string]struct{}, len(tenants))
	for _, t := range tenants {
		allowed[t] = struct{}{}
	}
	return &Server{
		cfg:     cfg,
		backend: backend,
		health:  health,
		tenants: allowed,
		newID:   idgen.NextULID,
		ll:      ll.With(slog.String("backend", backend.Name())),
	}, nil
}

// Handler returns the routed API with health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/upload", s.handleUpload)
	mux.HandleFunc("POST /api/v1/wide-search", s.handleWideSearch)
	mux.HandleFunc("POST /api/v1/manual", s.handleManual)
	mux.HandleFunc("POST /api/v1/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/status", s.handleStatusAll)
	mux.HandleFunc("GET /api/v1/status/{store}", s.handleTenantStatus)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleJob)
	s.health.RegisterRoutes(mux)
	return s.requestMiddleware(mux)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.ll.Info("Starting API server", slog.String("addr", addr))

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

func (s *Server) checkTenant(tenant string) error {
	if tenant == "" {
		return fmt.Errorf("%w: store is required", ErrUnknownTenant)
	}
	if _, ok := s.tenants[tenant]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return nil
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnknownTenant),
		errors.Is(err, scheduler.ErrInvalidItem),
		errors.Is(err, scheduler.ErrMissingColumn),
		errors.Is(err, rowsource.ErrUnsupportedFormat),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrDuplicate),
		errors.Is(err, reliable.ErrJobFinished),
		errors.Is(err, os.ErrExist):
		return http.StatusConflict
	case errors.Is(err, ErrJobNotFound),
		errors.Is(err, reliable.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.ll.Error("Request failed",
			slog.String("requestID", RequestIDFromContext(req.Context())),
			slog.String("path", req.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), RequestID: RequestIDFromContext(req.Context())})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
