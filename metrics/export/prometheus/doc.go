// Package prometheus adapts authflow metrics to prometheus/client_golang.
//
// Register a [Collector] on your own registry, or use [Collector.Handler]
// for a standalone /metrics endpoint.
package prometheus
