// Package progress has two halves. The Hub is a non-blocking event fan-out
// that batches run and node milestones on a background goroutine and hands
// them to sinks (logs, Prometheus, broker notifications). Aggregate is the
// pull side: it derives per-level and crowd counters from a run snapshot for
// status polling.
package progress
