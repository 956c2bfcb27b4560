// Package metrics records render pipeline counters and durations in a
// Prometheus registry and exports them to a node_exporter textfile.
//
// The CLI is short lived, so nothing is served over HTTP. When
// metrics.textfile is configured the registry is written atomically at the
// end of every run for the textfile collector to pick up.
package metrics
