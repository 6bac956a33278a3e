// Package prometheus exposes engine counters and latency histograms as a
// client_golang collector.
//
// [NewPrometheusExporter] registers the collector on its own registry and
// serves it through [PrometheusExporter.Handler]. Counter names are
// dashauth_*_total; histograms are dashauth_*_latency_seconds.
//
// # What this package must NOT do
//
//   - Register on the global Prometheus registry.
//   - Mutate engine state.
package prometheus
