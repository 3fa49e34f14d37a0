// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks end-to-end relay session lifetime.
	SessionDuration metric.Float64Histogram

	// UpstreamConnectDuration tracks the upstream WebSocket handshake latency.
	UpstreamConnectDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency. Use with attribute:
	//   attribute.String("tool", ...)
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// EventsForwarded counts relayed events. Use with attribute:
	//   attribute.String("direction", "to_upstream"|"to_client")
	EventsForwarded metric.Int64Counter

	// EventsSuppressed counts events consumed by the processor instead of
	// being delivered. Use with attribute: attribute.String("type", ...)
	EventsSuppressed metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// DecodeErrors counts dropped undecodable frames. Use with attribute:
	//   attribute.String("direction", ...)
	DecodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// tool and handshake latencies; session lifetimes land in the top buckets.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("voxbridge.session.duration",
		metric.WithDescription("Lifetime of a relay session from accept to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnectDuration, err = m.Float64Histogram("voxbridge.upstream.connect.duration",
		metric.WithDescription("Latency of the upstream WebSocket handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voxbridge.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsForwarded, err = m.Int64Counter("voxbridge.events.forwarded",
		metric.WithDescription("Total relayed events by direction."),
	); err != nil {
		return nil, err
	}
	if met.EventsSuppressed, err = m.Int64Counter("voxbridge.events.suppressed",
		metric.WithDescription("Total events consumed by the processor by event type."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxbridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxbridge.decode.errors",
		metric.WithDescription("Total dropped undecodable frames by direction."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records a tool invocation with its latency and outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}
