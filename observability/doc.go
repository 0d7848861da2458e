// Package observability records OpenTelemetry metrics for the settlement
// pipeline: claim outcomes, settlement counts and latency, and recovery
// resolutions. Instruments are created against the global MeterProvider by
// default; if none is configured the OTel API hands back noop instruments
// and recording becomes a pass-through. Pass a custom meter with
// NewMetricsWithMeter to scope instruments for tests.
package observability
