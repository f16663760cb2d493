// Package metrics holds the Authorizer's in-process counters and its step
// latency histogram.
//
// Every counter lives in its own padded slot and is bumped with a single
// atomic add, so the hot path neither locks nor allocates. The histogram has
// seven finite buckets from 5ms to 500ms plus an overflow bucket.
//
// Snapshot copies everything out for the exporters in metrics/export. This
// package performs no I/O and keeps no global registry.
package metrics
