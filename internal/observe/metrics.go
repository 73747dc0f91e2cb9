// Package observe provides application-wide observability primitives for
// voxquery: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxquery metrics.
const meterName = "voxquery"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// QueryDuration tracks end-to-end /query answering latency.
	QueryDuration metric.Float64Histogram

	// RecognizeDuration tracks per-utterance speech recognition latency.
	RecognizeDuration metric.Float64Histogram

	// EmbedDuration tracks embedding provider latency.
	EmbedDuration metric.Float64Histogram

	// --- Counters ---

	// Queries counts answered queries. Use with attribute:
	//   attribute.String("status", ...) — "ok", "greeting", "error"
	Queries metric.Int64Counter

	// Submissions counts controller submissions by outcome. Use with
	// attribute:
	//   attribute.String("outcome", ...) — "ok", "server_error",
	//   "transport_error", "empty"
	Submissions metric.Int64Counter

	// TranscriptEntries counts appended transcript entries by role.
	TranscriptEntries metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected UI sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks how many sessions are currently listening.
	ActiveListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// retrieval and recognition latencies.
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
	if met.QueryDuration, err = m.Float64Histogram("voxquery.query.duration",
		metric.WithDescription("End-to-end query answering latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognizeDuration, err = m.Float64Histogram("voxquery.recognize.duration",
		metric.WithDescription("Per-utterance speech recognition latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("voxquery.embed.duration",
		metric.WithDescription("Embedding provider latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Queries, err = m.Int64Counter("voxquery.queries",
		metric.WithDescription("Total answered queries by status."),
	); err != nil {
		return nil, err
	}
	if met.Submissions, err = m.Int64Counter("voxquery.submissions",
		metric.WithDescription("Total controller submissions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("voxquery.transcript.entries",
		metric.WithDescription("Total transcript entries appended, by role."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxquery.active_sessions",
		metric.WithDescription("Number of connected UI sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("voxquery.active_listeners",
		metric.WithDescription("Number of sessions currently listening for speech."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxquery.http.request.duration",
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

// RecordQuery records one answered query with its status.
func (m *Metrics) RecordQuery(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Queries.Add(ctx, 1, attrs)
	m.QueryDuration.Record(ctx, seconds, attrs)
}

// Submission records one controller submission outcome. It satisfies the
// controller's SubmissionRecorder interface.
func (m *Metrics) Submission(ctx context.Context, outcome string) {
	m.Submissions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordTranscriptEntry records one appended transcript entry by role.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, role string) {
	m.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}
