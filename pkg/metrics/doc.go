// Package metrics exposes the server's counters to Prometheus. Values
// are sampled from the blocktree and NBD snapshots by a collector loop
// rather than incremented inline, keeping the hot path free of metric
// calls.
package metrics
