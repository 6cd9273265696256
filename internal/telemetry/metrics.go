// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/skyguard-dev/skyguard"

var (
	instrumentsOnce sync.Once
	turnsTotal      metric.Int64Counter
	verdictsTotal   metric.Int64Counter
)

// instruments are created lazily so they bind to whatever meter provider
// Setup installed.
func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(meterName)

		var err error
		turnsTotal, err = meter.Int64Counter("skyguard.turns",
			metric.WithDescription("Finished turns by status"))
		if err != nil {
			turnsTotal, _ = meter.Int64Counter("skyguard.turns.fallback")
		}

		verdictsTotal, err = meter.Int64Counter("skyguard.guardrail.verdicts",
			metric.WithDescription("Guardrail verdicts by kind and outcome"))
		if err != nil {
			verdictsTotal, _ = meter.Int64Counter("skyguard.guardrail.verdicts.fallback")
		}
	})
}

// RecordTurn counts a finished turn. status is completed, short_circuited
// or failed.
func RecordTurn(ctx context.Context, status string) {
	instruments()
	turnsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordVerdict counts one guardrail verdict. kind is tool_call or final;
// outcome is pass, blocked or expert.
func RecordVerdict(ctx context.Context, kind, outcome string) {
	instruments()
	verdictsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
