package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for settlement metrics.
const meterName = "github.com/ghilp934/Decisionproof"

// Metrics holds the instruments recorded by the engine and the reaper.
//
// Instruments:
//   - settle.claims (Int64Counter): claim attempts, attribute outcome
//     ("won" or "lost")
//   - settle.settlements (Int64Counter): settlements written by workers
//   - settle.run.duration (Float64Histogram): claim-to-settlement seconds
//   - settle.reaper.resolutions (Int64Counter): reaper outcomes, attribute
//     outcome ("roll_forward", "roll_back", "audit")
type Metrics struct {
	claims      metric.Int64Counter
	settlements metric.Int64Counter
	duration    metric.Float64Histogram
	resolutions metric.Int64Counter
}

// NewMetrics creates instruments on the global MeterProvider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates instruments on the provided meter. This
// variant allows injecting a specific MeterProvider for testing.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}

	// On error the OTel API returns noop instruments, so errors here are
	// ignorable by contract.
	m.claims, _ = meter.Int64Counter(
		"settle.claims",
		metric.WithDescription("Claim attempts by outcome"),
		metric.WithUnit("{claim}"),
	)
	m.settlements, _ = meter.Int64Counter(
		"settle.settlements",
		metric.WithDescription("Settlements written by workers"),
		metric.WithUnit("{settlement}"),
	)
	m.duration, _ = meter.Float64Histogram(
		"settle.run.duration",
		metric.WithDescription("Claim-to-settlement duration in seconds"),
		metric.WithUnit("s"),
	)
	m.resolutions, _ = meter.Int64Counter(
		"settle.reaper.resolutions",
		metric.WithDescription("Reaper resolutions by outcome"),
		metric.WithUnit("{resolution}"),
	)
	return m
}

// ClaimWon records a claim CAS the worker won.
func (m *Metrics) ClaimWon(ctx context.Context) {
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "won")))
}

// ClaimLost records a claim CAS lost to another worker.
func (m *Metrics) ClaimLost(ctx context.Context) {
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "lost")))
}

// Settled records a worker settlement and the run's execution time.
func (m *Metrics) Settled(ctx context.Context, elapsed time.Duration) {
	m.settlements.Add(ctx, 1)
	m.duration.Record(ctx, elapsed.Seconds())
}

// Resolved records a reaper resolution outcome.
func (m *Metrics) Resolved(ctx context.Context, outcome string) {
	m.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
