package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authflow.MetricsSnapshot
	AuditDropped() uint64
}

// instruments creates observables on a meter and remembers them for the
// callback registration. The first creation error sticks.
type instruments struct {
	meter metric.Meter
	all   []metric.Observable
	err   error
}

func (in *instruments) counter(name, help string) metric.Int64ObservableCounter {
	if in.err != nil {
		return nil
	}
	c, err := in.meter.Int64ObservableCounter(name, metric.WithDescription(help))
	if err != nil {
		in.err = fmt.Errorf("create observable counter %s: %w", name, err)
		return nil
	}
	in.all = append(in.all, c)
	return c
}

func (in *instruments) gauge(name, help string) metric.Int64ObservableGauge {
	if in.err != nil {
		return nil
	}
	g, err := in.meter.Int64ObservableGauge(name, metric.WithDescription(help))
	if err != nil {
		in.err = fmt.Errorf("create observable gauge %s: %w", name, err)
		return nil
	}
	in.all = append(in.all, g)
	return g
}

// latencyGauges flattens one histogram into cumulative bucket, count and
// sum gauges, since snapshots carry bucket counts rather than samples.
type latencyGauges struct {
	id      authflow.MetricID
	buckets [8]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	sumNs   metric.Int64ObservableGauge
}

func (g *latencyGauges) observe(o metric.Observer, s authflow.MetricsSnapshot) {
	cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(s.Histograms[g.id]))
	for i, b := range g.buckets {
		o.ObserveInt64(b, int64(cumulative[i]))
	}
	o.ObserveInt64(g.count, int64(cumulative[len(cumulative)-1]))
	o.ObserveInt64(g.sumNs, int64(s.Sums[g.id]))
}

// Exporter publishes an Authorizer's counters as OpenTelemetry observables,
// read on every collection.
type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     map[authflow.MetricID]metric.Int64ObservableCounter
	latencies    []*latencyGauges
	auditDropped metric.Int64ObservableCounter
}

// NewExporter observes an Authorizer.
func NewExporter(meter metric.Meter, a *authflow.Authorizer) (*Exporter, error) {
	if a == nil {
		return nil, ErrNilSource
	}
	return NewExporterFromSource(meter, a)
}

func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	in := &instruments{meter: meter}
	e := &Exporter{
		source:   source,
		counters: make(map[authflow.MetricID]metric.Int64ObservableCounter, len(internaldefs.CounterDefs)),
	}

	for _, def := range internaldefs.CounterDefs {
		e.counters[def.ID] = in.counter(def.Name, def.Help)
	}
	for _, def := range internaldefs.HistogramDefs {
		g := &latencyGauges{id: def.ID}
		for i, suffix := range internaldefs.HistogramBoundSuffix {
			g.buckets[i] = in.gauge(def.Name+"_bucket_le_"+suffix, "Cumulative histogram bucket count.")
		}
		g.count = in.gauge(def.Name+"_count", "Histogram total sample count.")
		g.sumNs = in.gauge(def.Name+"_sum_ns", "Histogram sample sum in nanoseconds.")
		e.latencies = append(e.latencies, g)
	}
	e.auditDropped = in.counter("authflow_audit_dropped_total", "Audit events dropped under dispatcher backpressure.")
	if in.err != nil {
		return nil, in.err
	}

	reg, err := meter.RegisterCallback(e.observe, in.all...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	s := e.source.MetricsSnapshot()
	for id, c := range e.counters {
		o.ObserveInt64(c, int64(s.Counters[id]))
	}
	for _, g := range e.latencies {
		g.observe(o, s)
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
