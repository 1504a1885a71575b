// Package metrics exposes Prometheus collectors for the fleet: session and
// health state gauges, reconnect and failover counters, message routing
// counters and event broker drop counts, plus the /metrics HTTP handler.
package metrics
