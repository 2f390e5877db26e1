// Package telemetry records per-operation OpenTelemetry metrics. Instruments
// are created from whatever MeterProvider is passed in; the process decides
// where (and whether) they are exported.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const MeterName = "github.com/rickchristie/db-mcp"

// Outcome values for the calls counter.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds the operation instruments. A nil *Metrics records nothing.
type Metrics struct {
	calls      metric.Int64Counter
	rejections metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates the instruments from provider, or from the global provider
// when provider is nil.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(MeterName)

	calls, err := meter.Int64Counter("dbmcp.operation.calls",
		metric.WithDescription("Operations handled, by outcome"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("dbmcp.operation.rejections",
		metric.WithDescription("Operations rejected before reaching the database, by reason"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("dbmcp.operation.duration",
		metric.WithDescription("Operation latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Metrics{calls: calls, rejections: rejections, duration: duration}, nil
}

// Record counts one finished operation and its latency.
func (m *Metrics) Record(ctx context.Context, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
	m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// Reject counts a policy rejection. reason is a short machine-readable tag
// such as forbidden_verb or table_not_permitted.
func (m *Metrics) Reject(ctx context.Context, operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("reason", reason),
	))
}
