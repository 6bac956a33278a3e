// Package otel publishes engine counters and latency histograms through
// OpenTelemetry asynchronous instruments.
//
// [NewOTelExporter] registers one Int64ObservableCounter per engine counter.
// Each latency histogram becomes a bucket gauge carrying an "le" attribute
// and a count gauge. A single callback reads [dashauth.Engine.MetricsSnapshot]
// on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
