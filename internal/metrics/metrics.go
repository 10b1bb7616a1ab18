// Package metrics wires the gateway's per-upstream statistics into OTel
// metric instruments exported via the Prometheus exporter bridge, the way
// the domain-stack expansion pulls in go.opentelemetry.io/otel and
// prometheus/client_golang alongside the teacher's own metrics surface.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/giantswarm/mcp-gateway/internal/model"
)

func attrUpstream(name string) attribute.KeyValue { return attribute.String("upstream", name) }
func attrKind(kind string) attribute.KeyValue     { return attribute.String("kind", kind) }

// Recorder exposes OTel counters/histograms fed by the gateway on every
// tool/resource call and status transition (spec §4.3 "Metrics").
type Recorder struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	callsTotal      metric.Int64Counter
	callFailures    metric.Int64Counter
	callDuration    metric.Float64Histogram
	upstreamStatus  metric.Int64UpDownCounter
}

// New builds a Recorder backed by a fresh Prometheus exporter and
// MeterProvider. Call Handler to obtain the scrape endpoint.
func New() (*Recorder, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("mcp-gateway")

	callsTotal, err := meter.Int64Counter("gateway_tool_calls_total",
		metric.WithDescription("Total tool/resource calls routed through the gateway"))
	if err != nil {
		return nil, err
	}
	callFailures, err := meter.Int64Counter("gateway_tool_call_failures_total",
		metric.WithDescription("Tool/resource calls that returned an error"))
	if err != nil {
		return nil, err
	}
	callDuration, err := meter.Float64Histogram("gateway_tool_call_duration_seconds",
		metric.WithDescription("Tool/resource call latency in seconds"))
	if err != nil {
		return nil, err
	}
	upstreamStatus, err := meter.Int64UpDownCounter("gateway_upstream_connected",
		metric.WithDescription("1 while an upstream is Connected, 0 otherwise, summed per upstream"))
	if err != nil {
		return nil, err
	}

	return &Recorder{
		provider:       provider,
		meter:          meter,
		callsTotal:     callsTotal,
		callFailures:   callFailures,
		callDuration:   callDuration,
		upstreamStatus: upstreamStatus,
	}, nil
}

// RecordCall records one tool/resource call's outcome, tagged by upstream
// name and call kind ("tool" or "resource").
func (r *Recorder) RecordCall(ctx context.Context, upstream, kind string, durationSeconds float64, success bool) {
	attrs := metric.WithAttributes(attrUpstream(upstream), attrKind(kind))
	r.callsTotal.Add(ctx, 1, attrs)
	r.callDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		r.callFailures.Add(ctx, 1, attrs)
	}
}

// RecordStatusTransition adjusts the connected gauge when an upstream
// enters or leaves model.StatusConnected.
func (r *Recorder) RecordStatusTransition(ctx context.Context, upstream string, old, updated model.Status) {
	wasConnected := old == model.StatusConnected
	isConnected := updated == model.StatusConnected
	if wasConnected == isConnected {
		return
	}
	delta := int64(1)
	if !isConnected {
		delta = -1
	}
	r.upstreamStatus.Add(ctx, delta, metric.WithAttributes(attrUpstream(upstream)))
}

// Handler returns the Prometheus scrape endpoint for the gateway's
// /metrics route (SPEC_FULL.md §4 "/health and /metrics endpoints").
func (r *Recorder) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the underlying MeterProvider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
