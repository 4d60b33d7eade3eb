// Package observe provides application-wide observability primitives for
// EchoBridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all EchoBridge metrics.
const meterName = "github.com/echobridge/echobridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per voice stage ---

	// ASRDuration tracks transcription latency per utterance.
	ASRDuration metric.Float64Histogram

	// LLMFirstChunk tracks time from request to the first streamed chunk.
	LLMFirstChunk metric.Float64Histogram

	// TTSDuration tracks synthesis latency per sentence segment.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks a full turn from utterance close to playback
	// handoff.
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency, bridged MCP
	// tools included.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed dialogue turns. Use with attribute:
	//   attribute.String("origin", "voice"|"text"|"proactive")
	Turns metric.Int64Counter

	// Aborts counts interrupted responses. Use with attribute:
	//   attribute.String("source", "client"|"barge_in"|"shutdown")
	Aborts metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// PoolExhausted counts synthesizer acquisitions that failed because
	// every slot was keyed.
	PoolExhausted metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live device sessions.
	ActiveSessions metric.Int64UpDownCounter

	// IdleSynthSlots tracks the number of idle synthesizer pool slots.
	IdleSynthSlots metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("echobridge.asr.duration",
		metric.WithDescription("Latency of utterance transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstChunk, err = m.Float64Histogram("echobridge.llm.first_chunk",
		metric.WithDescription("Time to first streamed LLM chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("echobridge.tts.duration",
		metric.WithDescription("Latency of sentence synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("echobridge.turn.duration",
		metric.WithDescription("Full dialogue turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("echobridge.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("echobridge.turns",
		metric.WithDescription("Completed dialogue turns by origin."),
	); err != nil {
		return nil, err
	}
	if met.Aborts, err = m.Int64Counter("echobridge.aborts",
		metric.WithDescription("Interrupted responses by source."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("echobridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.PoolExhausted, err = m.Int64Counter("echobridge.pool.exhausted",
		metric.WithDescription("Synthesizer acquisitions rejected for lack of idle slots."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("echobridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echobridge.active_sessions",
		metric.WithDescription("Number of live device sessions."),
	); err != nil {
		return nil, err
	}
	if met.IdleSynthSlots, err = m.Int64UpDownCounter("echobridge.pool.idle_slots",
		metric.WithDescription("Number of idle synthesizer pool slots."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echobridge.http.request.duration",
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

// RecordTurn records a completed dialogue turn.
func (m *Metrics) RecordTurn(ctx context.Context, origin string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("origin", origin)),
	)
}

// RecordAbort records an interrupted response.
func (m *Metrics) RecordAbort(ctx context.Context, source string) {
	m.Aborts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
