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

// Package healthcheck tracks process health and named readiness
// conditions and exposes them as /healthz, /readyz and /livez.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type Response struct {
	Healthy bool              `json:"healthy"`
	Status  string            `json:"status"`
	Waiting []string          `json:"waiting,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Config holds the standalone listener settings.
type Config struct {
	Port int `mapstructure:"port"`
}

func DefaultConfig() Config {
	return Config{Port: 8090}
}

// Checker holds health state. Readiness requires every registered
// condition to be true.
type Checker struct {
	status atomic.Int32

	mu         sync.RWMutex
	conditions map[string]bool
}

func NewChecker() *Checker {
	return &Checker{conditions: map[string]bool{}}
}

func (c *Checker) SetStatus(status Status) {
	c.status.Store(int32(status))
	slog.Debug("Health check status updated", slog.String("status", status.String()))
}

func (c *Checker) GetStatus() Status {
	return Status(c.status.Load())
}

// SetReadyCondition sets a named readiness condition.
func (c *Checker) SetReadyCondition(name string, ready bool) {
	c.mu.Lock()
	c.conditions[name] = ready
	c.mu.Unlock()
	slog.Debug("Ready condition updated", slog.String("condition", name), slog.Bool("ready", ready))
}

// waiting returns the conditions that are not yet true.
func (c *Checker) waiting() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for name, ok := range c.conditions {
		if !ok {
			out = append(out, name)
		}
	}
	return out
}

func (c *Checker) IsReady() bool {
	return c.GetStatus() == StatusHealthy && len(c.waiting()) == 0
}

// RegisterRoutes adds the health endpoints to mux.
func (c *Checker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := c.GetStatus()
		writeResponse(w, Response{Healthy: st == StatusHealthy, Status: st.String()})
	})
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, _ *http.Request) {
		st := c.GetStatus()
		writeResponse(w, Response{Healthy: st != StatusUnhealthy, Status: st.String()})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeResponse(w, Response{Healthy: c.IsReady(), Status: c.GetStatus().String(), Waiting: c.waiting()})
	})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}

// Serve runs a listener with only the health endpoints until ctx is done.
func (c *Checker) Serve(ctx context.Context, cfg Config) error {
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Starting health check server", slog.Int("port", cfg.Port))

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
