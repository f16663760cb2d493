package authflow

import (
	"time"

	internalmetrics "github.com/MrEthical07/authflow/internal/metrics"
)

// MetricID names a counter in a MetricsSnapshot.
type MetricID = internalmetrics.MetricID

const (
	MetricStepSubmitted      = internalmetrics.MetricStepSubmitted
	MetricStepRendered       = internalmetrics.MetricStepRendered
	MetricStepRejected       = internalmetrics.MetricStepRejected
	MetricChallengeStarted   = internalmetrics.MetricChallengeStarted
	MetricChallengeAdvanced  = internalmetrics.MetricChallengeAdvanced
	MetricChallengeReset     = internalmetrics.MetricChallengeReset
	MetricFlowSuccess        = internalmetrics.MetricFlowSuccess
	MetricAdapterUnknown     = internalmetrics.MetricAdapterUnknown
	MetricRateLimited        = internalmetrics.MetricRateLimited
	MetricDeliveryFailure    = internalmetrics.MetricDeliveryFailure
	MetricStorageUnavailable = internalmetrics.MetricStorageUnavailable
	MetricUndeclaredTag      = internalmetrics.MetricUndeclaredTag
	MetricSessionIssued      = internalmetrics.MetricSessionIssued
	MetricSessionRejected    = internalmetrics.MetricSessionRejected
	MetricSessionInvalidated = internalmetrics.MetricSessionInvalidated
	MetricStepLatency        = internalmetrics.MetricStepLatency
)

// Metrics holds in-process counters. Exporters in metrics/export read its snapshots.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics builds a collector from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:                 cfg.Enabled,
		EnableLatencyHistograms: cfg.EnableLatencyHistograms,
	})
}

// LatencyBucketBounds returns the upper bounds of the finite latency buckets.
func LatencyBucketBounds() []time.Duration {
	out := make([]time.Duration, len(internalmetrics.BucketUpperBounds))
	copy(out, internalmetrics.BucketUpperBounds[:])
	return out
}
