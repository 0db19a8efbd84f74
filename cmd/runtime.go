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

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/KimMachineGun/automemlimit/memlimit"
	gomaxecs "github.com/rdforte/gomaxecs/maxprocs"
	"go.uber.org/automaxprocs/maxprocs"
)

const (
	defaultMemoryRatio = 0.8
	defaultGCPercent   = 50
)

func procsLogger(msg string, args ...any) {
	slog.Info(fmt.Sprintf(msg, args...))
}

// TuneRuntime sizes GOMAXPROCS and GOMEMLIMIT to the container the process
// runs in. STOCKRUNNER_MEMORY_RATIO sets the share of the container limit
// handed to the Go heap, and GOGC defaults to 50 when unset.
func TuneRuntime() {
	if gomaxecs.IsECS() {
		if _, err := gomaxecs.Set(gomaxecs.WithLogger(procsLogger)); err != nil {
			slog.Warn("Failed to set GOMAXPROCS from ECS task metadata", slog.Any("error", err))
		}
	} else if _, err := maxprocs.Set(maxprocs.Logger(procsLogger)); err != nil {
		slog.Warn("Failed to set GOMAXPROCS from cgroup quota", slog.Any("error", err))
	}

	ratio := memoryRatio(os.Getenv("STOCKRUNNER_MEMORY_RATIO"))
	_, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithLogger(slog.Default()),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		slog.Warn("Failed to set memory limit", slog.Float64("ratio", ratio), slog.Any("error", err))
	}

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(defaultGCPercent)
		_ = os.Setenv("GOGC", strconv.Itoa(defaultGCPercent))
		slog.Info("GOGC not set, using default", slog.Int("percent", defaultGCPercent))
	}
}

// memoryRatio parses a share of the memory limit in (0, 1], falling back
// to the default for anything else.
func memoryRatio(v string) float64 {
	if v == "" {
		return defaultMemoryRatio
	}
	r, err := strconv.ParseFloat(v, 64)
	if err != nil || r <= 0 || r > 1 {
		slog.Warn("Ignoring invalid STOCKRUNNER_MEMORY_RATIO", slog.String("value", v))
		return defaultMemoryRatio
	}
	return r
}
