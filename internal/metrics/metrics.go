// Package metrics defines the sync counters exported over OpenTelemetry.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the counters the engine and reconciler increment.
type Metrics struct {
	Upserts     metric.Int64Counter
	Skipped     metric.Int64Counter
	Archived    metric.Int64Counter
	Errors      metric.Int64Counter
	Truncations metric.Int64Counter
	Warnings    metric.Int64Counter
	Reconciles  metric.Int64Counter
}

// New builds the counter set against the global meter provider. With no
// provider installed the counters are no-ops, which is what tests want.
func New() *Metrics {
	meter := otel.Meter("github.com/steveyegge/capsync")
	m := &Metrics{}
	m.Upserts, _ = meter.Int64Counter("capsync.upserts",
		metric.WithDescription("destination task pages created or updated"))
	m.Skipped, _ = meter.Int64Counter("capsync.writes_skipped",
		metric.WithDescription("forward writes skipped because the payload hash was clean"))
	m.Archived, _ = meter.Int64Counter("capsync.archived",
		metric.WithDescription("destination pages archived (orphans and deletions)"))
	m.Errors, _ = meter.Int64Counter("capsync.errors",
		metric.WithDescription("per-item sync failures recorded in the state store"))
	m.Truncations, _ = meter.Int64Counter("capsync.truncations",
		metric.WithDescription("body blocks truncated at the destination size limit"))
	m.Warnings, _ = meter.Int64Counter("capsync.warnings",
		metric.WithDescription("non-fatal mapping or resolution warnings"))
	m.Reconciles, _ = meter.Int64Counter("capsync.reconcile_passes",
		metric.WithDescription("completed reconciliation passes"))
	return m
}

// Add is a nil-safe counter increment.
func Add(ctx context.Context, c metric.Int64Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}
