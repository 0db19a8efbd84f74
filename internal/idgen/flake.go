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

// Package idgen hands out identifiers for jobs, tickets and process instances.
package idgen

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/sony/sonyflake"
)

// DefaultFlakeGenerator identifies this process in telemetry and logs.
var DefaultFlakeGenerator *FlakeGenerator

func init() {
	var err error
	DefaultFlakeGenerator, err = newFlakeGenerator(nil)
	if err != nil {
		panic(err)
	}
}

var flakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FlakeGenerator produces roughly time-ordered int64 ids.
type FlakeGenerator struct {
	sf *sonyflake.Sonyflake
}

// newFlakeGenerator derives the machine id from machineID, or from the
// host's private IPv4 address when machineID is nil.
func newFlakeGenerator(machineID func() (uint16, error)) (*FlakeGenerator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{StartTime: flakeEpoch, MachineID: machineID})
	if err != nil {
		// No usable machine id on this host, pick one at random.
		sf, err = sonyflake.New(sonyflake.Settings{StartTime: flakeEpoch, MachineID: randomMachineID})
	}
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &FlakeGenerator{sf: sf}, nil
}

func randomMachineID() (uint16, error) {
	return uint16(rand.N(1 << 16)), nil
}

// NextID returns a positive int64. Falls back to a random value if the
// generator is exhausted.
func (g *FlakeGenerator) NextID() int64 {
	v, err := g.sf.NextID()
	if err != nil {
		return rand.Int64()
	}
	return int64(v)
}

// NextString returns NextID in base 36.
func (g *FlakeGenerator) NextString() string {
	return strconv.FormatInt(g.NextID(), 36)
}
