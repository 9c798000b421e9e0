package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValueWithAttr returns the value of the data point carrying the given
// string attribute, or -1 when no such point exists.
func counterValueWithAttr(sum metricdata.Sum[int64], key, value string) int64 {
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestJobCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordJobSubmitted(ctx, "audio")
	m.RecordJobSubmitted(ctx, "video")
	m.RecordJobSubmitted(ctx, "video")

	rm := collect(t, reader)
	met := findMetric(rm, "visage.jobs.submitted")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := counterValueWithAttr(sum, "kind", "video"); got != 2 {
		t.Errorf("kind=video counter = %d, want 2", got)
	}
	if got := counterValueWithAttr(sum, "kind", "audio"); got != 1 {
		t.Errorf("kind=audio counter = %d, want 1", got)
	}
}

func TestRecordJobTerminal_SplitsOutcomes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordJobTerminal(ctx, "video", 42.5, "")
	m.RecordJobTerminal(ctx, "video", 3.1, "poll_timeout")

	rm := collect(t, reader)

	completed := findMetric(rm, "visage.jobs.completed")
	if completed == nil {
		t.Fatal("completed metric not found")
	}
	if sum, ok := completed.Data.(metricdata.Sum[int64]); !ok {
		t.Fatal("completed is not a sum")
	} else if got := counterValueWithAttr(sum, "kind", "video"); got != 1 {
		t.Errorf("completed counter = %d, want 1", got)
	}

	failed := findMetric(rm, "visage.jobs.failed")
	if failed == nil {
		t.Fatal("failed metric not found")
	}
	if sum, ok := failed.Data.(metricdata.Sum[int64]); !ok {
		t.Fatal("failed is not a sum")
	} else if got := counterValueWithAttr(sum, "reason", "poll_timeout"); got != 1 {
		t.Errorf("failed counter = %d, want 1", got)
	}

	duration := findMetric(rm, "visage.jobs.duration")
	if duration == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no duration data points")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("duration sample count = %d, want 2", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.QueueDepth.Add(ctx, 3)
	m.QueueDepth.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "voice")))
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "voice")))

	rm := collect(t, reader)

	depth := findMetric(rm, "visage.jobs.queue_depth")
	if depth == nil {
		t.Fatal("queue_depth metric not found")
	}
	if sum, ok := depth.Data.(metricdata.Sum[int64]); !ok {
		t.Fatal("queue_depth is not a sum")
	} else if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("queue depth = %v, want 2", sum.DataPoints)
	}

	sessions := findMetric(rm, "visage.sessions.active")
	if sessions == nil {
		t.Fatal("sessions metric not found")
	}
	if sum, ok := sessions.Data.(metricdata.Sum[int64]); !ok {
		t.Fatal("sessions is not a sum")
	} else if got := counterValueWithAttr(sum, "kind", "voice"); got != 2 {
		t.Errorf("active voice sessions = %d, want 2", got)
	}
}

func TestUpstreamRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUpstreamRequest(ctx, "voice", "ok", 0.42)
	m.RecordUpstreamRequest(ctx, "voice", "error", 1.2)

	rm := collect(t, reader)
	met := findMetric(rm, "visage.upstream.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 2 {
		t.Errorf("sample count = %d, want 2", total)
	}
}

func TestQuotaCommitsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordQuotaCommit(ctx, "video-minutes", "ok")
	m.RecordQuotaCommit(ctx, "video-minutes", "ok")
	m.RecordQuotaCommit(ctx, "video-minutes", "error")

	rm := collect(t, reader)
	met := findMetric(rm, "visage.quota.commits")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := counterValueWithAttr(sum, "status", "ok"); got != 2 {
		t.Errorf("status=ok counter = %d, want 2", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/health"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "visage.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
