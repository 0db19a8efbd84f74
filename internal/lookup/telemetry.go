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

package lookup

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var lookupDuration metric.Float64Histogram

func init() {
	meter := otel.Meter("github.com/cardinalhq/stockrunner/internal/lookup")

	var err error
	lookupDuration, err = meter.Float64Histogram(
		"stockrunner.lookup.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of stock lookup requests"),
	)
	if err != nil {
		log.Fatalf("failed to create lookup.duration histogram: %v", err)
	}
}

func recordLookup(tenant, result string, d time.Duration) {
	lookupDuration.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("result", result),
	))
}
