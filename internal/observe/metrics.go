// Package observe provides application-wide observability primitives for
// Visage: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Visage metrics.
const meterName = "github.com/visage-ai/visage"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Generation pipeline ---

	// JobsSubmitted counts accepted generation jobs. Use with attribute:
	//   attribute.String("kind", "audio"|"video")
	JobsSubmitted metric.Int64Counter

	// JobsCompleted counts jobs reaching the completed state, by kind.
	JobsCompleted metric.Int64Counter

	// JobsFailed counts jobs reaching the failed state. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("reason", ...)
	JobsFailed metric.Int64Counter

	// JobDuration tracks wall-clock time from dequeue to terminal state.
	JobDuration metric.Float64Histogram

	// QueueDepth tracks the number of jobs waiting for a worker.
	QueueDepth metric.Int64UpDownCounter

	// --- Live sessions ---

	// ActiveSessions tracks the number of live chat sessions. Use with
	// attribute: attribute.String("kind", "voice"|"video")
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks session wall-clock time from accept to close.
	SessionDuration metric.Float64Histogram

	// --- Upstream services ---

	// UpstreamRequestDuration tracks upstream call latency. Use with
	// attributes:
	//   attribute.String("service", ...), attribute.String("status", ...)
	UpstreamRequestDuration metric.Float64Histogram

	// --- Billing ---

	// QuotaCommits counts usage-ledger commits. Use with attributes:
	//   attribute.String("resource", ...), attribute.String("status", ...)
	QuotaCommits metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// upstream and HTTP latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// jobBuckets defines histogram bucket boundaries (in seconds) for generation
// jobs, which run seconds to many minutes.
var jobBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Pipeline counters.
	if met.JobsSubmitted, err = m.Int64Counter("visage.jobs.submitted",
		metric.WithDescription("Total generation jobs accepted, by kind."),
	); err != nil {
		return nil, err
	}
	if met.JobsCompleted, err = m.Int64Counter("visage.jobs.completed",
		metric.WithDescription("Total generation jobs completed, by kind."),
	); err != nil {
		return nil, err
	}
	if met.JobsFailed, err = m.Int64Counter("visage.jobs.failed",
		metric.WithDescription("Total generation jobs failed, by kind and reason."),
	); err != nil {
		return nil, err
	}
	if met.JobDuration, err = m.Float64Histogram("visage.jobs.duration",
		metric.WithDescription("Job wall-clock time from dequeue to terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("visage.jobs.queue_depth",
		metric.WithDescription("Number of jobs waiting for a worker."),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("visage.sessions.active",
		metric.WithDescription("Number of live chat sessions, by kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("visage.sessions.duration",
		metric.WithDescription("Session wall-clock time from accept to close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}

	// Upstreams.
	if met.UpstreamRequestDuration, err = m.Float64Histogram("visage.upstream.request.duration",
		metric.WithDescription("Upstream service call latency by service and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Billing.
	if met.QuotaCommits, err = m.Int64Counter("visage.quota.commits",
		metric.WithDescription("Usage-ledger commits by resource and status."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("visage.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordJobSubmitted records one accepted job.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, kind string) {
	m.JobsSubmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordJobTerminal records a job reaching its terminal state: the
// completed/failed counter plus the duration histogram.
func (m *Metrics) RecordJobTerminal(ctx context.Context, kind string, seconds float64, failReason string) {
	if failReason == "" {
		m.JobsCompleted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	} else {
		m.JobsFailed.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("reason", failReason),
			),
		)
	}
	m.JobDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordUpstreamRequest records one upstream service call.
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, service, status string, seconds float64) {
	m.UpstreamRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("status", status),
		),
	)
}

// RecordQuotaCommit records one usage-ledger commit attempt.
func (m *Metrics) RecordQuotaCommit(ctx context.Context, resource, status string) {
	m.QuotaCommits.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("resource", resource),
			attribute.String("status", status),
		),
	)
}
