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

package reliable

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	jobsSubmitted  metric.Int64Counter
	entriesHandled metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/stockrunner/internal/reliable")

	var err error
	jobsSubmitted, err = meter.Int64Counter(
		"stockrunner.reliable.jobs_submitted",
		metric.WithDescription("Jobs accepted by the queued backend"),
	)
	if err != nil {
		log.Fatalf("failed to create jobs_submitted counter: %v", err)
	}

	entriesHandled, err = meter.Int64Counter(
		"stockrunner.reliable.entries_handled",
		metric.WithDescription("Entries handled by queue workers"),
	)
	if err != nil {
		log.Fatalf("failed to create entries_handled counter: %v", err)
	}
}

func recordSubmitted(tenant, kind string) {
	jobsSubmitted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("kind", kind),
	))
}

func recordHandled(tenant, result string, n int) {
	if n == 0 {
		return
	}
	entriesHandled.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("result", result),
	))
}
