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

// Package sweeper removes bulk files nothing will process: continuations
// left behind when the process stopped mid batch, and uploads whose batch
// failed or never ran.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/stockrunner/internal/scheduler"
)

var removedCounter metric.Int64Counter

func init() {
	meter := otel.Meter("github.com/cardinalhq/stockrunner/internal/sweeper")

	var err error
	removedCounter, err = meter.Int64Counter(
		"stockrunner.sweeper.files_removed",
		metric.WithDescription("Count of orphaned bulk files removed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create files_removed counter: %w", err))
	}
}

// Config controls the sweep.
type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Minute,
		MaxAge:   time.Hour,
	}
}

// Referencer reports the files queued or in progress.
type Referencer interface {
	ReferencedFiles() map[string]struct{}
}

type Sweeper struct {
	dir  string
	cfg  Config
	refs Referencer
	ll   *slog.Logger
	now  func() time.Time
}

// New returns a sweeper for dir. refs may be nil when nothing in this
// process queues bulk files.
func New(dir string, cfg Config, refs Referencer, ll *slog.Logger) *Sweeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if ll == nil {
		ll = slog.Default()
	}
	return &Sweeper{
		dir:  dir,
		cfg:  cfg,
		refs: refs,
		ll:   ll.With(slog.String("component", "sweeper")),
		now:  time.Now,
	}
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	sweep := func() {
		n, err := s.Sweep()
		if err != nil {
			s.ll.Error("Sweep failed", slog.Any("error", err))
		}
		if n > 0 {
			s.ll.Info("Removed orphaned bulk files", slog.Int("count", n))
		}
	}
	sweep()

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			sweep()
		}
	}
}

// Sweep removes unreferenced bulk files older than MaxAge and returns how
// many were removed.
func (s *Sweeper) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read upload directory: %w", err)
	}

	refs := map[string]struct{}{}
	if s.refs != nil {
		for p := range s.refs.ReferencedFiles() {
			refs[filepath.Clean(p)] = struct{}{}
		}
	}

	cutoff := s.now().Add(-s.cfg.MaxAge)
	var errs *multierror.Error
	removed := map[string]int64{}
	for _, e := range entries {
		if e.IsDir() || !isBulkFile(e.Name()) {
			continue
		}
		path := filepath.Clean(filepath.Join(s.dir, e.Name()))
		if _, ok := refs[path]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierror.Append(errs, err)
			continue
		}
		kind := fileKind(e.Name())
		s.ll.Debug("Removed bulk file", slog.String("path", path), slog.String("kind", kind), slog.Time("modified", info.ModTime()))
		removed[kind]++
	}

	total := 0
	for kind, n := range removed {
		removedCounter.Add(context.Background(), n, metric.WithAttributes(attribute.String("kind", kind)))
		total += int(n)
	}
	return total, errs.ErrorOrNil()
}

// isBulkFile matches uploads and continuations. Partial writes use a
// different extension until they are renamed into place.
func isBulkFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".csv")
}

func fileKind(name string) string {
	if scheduler.IsContinuationFile(name) {
		return "continuation"
	}
	return "upload"
}
