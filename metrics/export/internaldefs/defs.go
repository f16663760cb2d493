package internaldefs

import (
	"github.com/MrEthical07/authflow"
)

type CounterDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: authflow.MetricStepSubmitted, Name: "authflow_step_submitted_total", Help: "Submitted flow steps."},
	{ID: authflow.MetricStepRendered, Name: "authflow_step_rendered_total", Help: "Rendered flow steps without submission."},
	{ID: authflow.MetricStepRejected, Name: "authflow_step_rejected_total", Help: "Steps that returned an error tag."},
	{ID: authflow.MetricChallengeStarted, Name: "authflow_challenge_started_total", Help: "Challenge states created."},
	{ID: authflow.MetricChallengeAdvanced, Name: "authflow_challenge_advanced_total", Help: "Challenge states replaced."},
	{ID: authflow.MetricChallengeReset, Name: "authflow_challenge_reset_total", Help: "Challenge states discarded without success, including lockouts."},
	{ID: authflow.MetricFlowSuccess, Name: "authflow_flow_success_total", Help: "Flows completed with a session."},
	{ID: authflow.MetricAdapterUnknown, Name: "authflow_adapter_unknown_total", Help: "Requests for unregistered adapters or flows."},
	{ID: authflow.MetricRateLimited, Name: "authflow_rate_limited_total", Help: "Submissions rejected by the rate-limit hook."},
	{ID: authflow.MetricDeliveryFailure, Name: "authflow_delivery_failure_total", Help: "Failed code or link deliveries."},
	{ID: authflow.MetricStorageUnavailable, Name: "authflow_storage_unavailable_total", Help: "Requests failed by a storage outage."},
	{ID: authflow.MetricUndeclaredTag, Name: "authflow_undeclared_tag_total", Help: "Adapter steps that returned an undeclared error tag."},
	{ID: authflow.MetricSessionIssued, Name: "authflow_session_issued_total", Help: "Session artifacts issued."},
	{ID: authflow.MetricSessionRejected, Name: "authflow_session_rejected_total", Help: "Session artifacts rejected on verify."},
	{ID: authflow.MetricSessionInvalidated, Name: "authflow_session_invalidated_total", Help: "Subject-wide session invalidations."},
}

var HistogramDefs = []HistogramDef{
	{ID: authflow.MetricStepLatency, Name: "authflow_step_latency_seconds", Help: "Flow step latency histogram."},
}

// HistogramBounds are the bucket upper bounds in seconds, excluding +Inf.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket, +Inf included, for exporters
// that flatten histograms into gauges.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
