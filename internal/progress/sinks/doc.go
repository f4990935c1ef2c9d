// Package sinks implements progress consumers: structured logs, Prometheus
// counters, and broker notifications for finished runs. Each sink satisfies
// progress.Sink and tolerates repeated Consume/Close cycles.
package sinks
