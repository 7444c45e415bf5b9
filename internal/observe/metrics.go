// Package observe provides application-wide observability primitives for
// Babblefish: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Babblefish metrics.
const meterName = "github.com/babblefish/babblefish"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech recognition latency per utterance.
	ASRDuration metric.Float64Histogram

	// TranslationDuration tracks per-target translation latency.
	TranslationDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end utterance processing latency,
	// queue wait included.
	PipelineDuration metric.Float64Histogram

	// QueueWait tracks how long utterances wait for a pipeline permit.
	QueueWait metric.Float64Histogram

	// --- Counters ---

	// Utterances counts processed utterances. Use with attribute:
	//   attribute.String("status", "ok"|"empty"|"error")
	Utterances metric.Int64Counter

	// DecodeErrors counts Opus packets that failed to decode.
	DecodeErrors metric.Int64Counter

	// DroppedMessages counts outbound messages dropped from full
	// per-participant send queues.
	DroppedMessages metric.Int64Counter

	// PipelineErrors counts pipeline failures. Use with attribute:
	//   attribute.String("stage", "asr"|"translate"|"deadline")
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRooms tracks the number of currently open rooms.
	ActiveRooms metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of joined participants across
	// all rooms.
	ActiveParticipants metric.Int64UpDownCounter

	// ActiveConnections tracks open WebSocket connections, joined or not.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("babblefish.asr.duration",
		metric.WithDescription("Latency of speech recognition per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslationDuration, err = m.Float64Histogram("babblefish.translation.duration",
		metric.WithDescription("Latency of translation per target language."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("babblefish.pipeline.duration",
		metric.WithDescription("End-to-end utterance processing latency including queue wait."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWait, err = m.Float64Histogram("babblefish.pipeline.queue_wait",
		metric.WithDescription("Time utterances spend waiting for a pipeline permit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("babblefish.utterances",
		metric.WithDescription("Total utterances processed by status."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("babblefish.audio.decode_errors",
		metric.WithDescription("Total Opus packets that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.DroppedMessages, err = m.Int64Counter("babblefish.messages.dropped",
		metric.WithDescription("Total outbound messages dropped from full send queues."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("babblefish.pipeline.errors",
		metric.WithDescription("Total pipeline failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRooms, err = m.Int64UpDownCounter("babblefish.active_rooms",
		metric.WithDescription("Number of currently open rooms."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("babblefish.active_participants",
		metric.WithDescription("Number of joined participants across all rooms."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("babblefish.active_connections",
		metric.WithDescription("Number of open WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("babblefish.http.request.duration",
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

// RecordUtterance records an utterance counter increment with the standard
// status attribute.
func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordPipelineError records a pipeline failure for the given stage.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordDroppedMessage records an outbound message dropped for the given
// message type.
func (m *Metrics) RecordDroppedMessage(ctx context.Context, msgType string) {
	m.DroppedMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}
