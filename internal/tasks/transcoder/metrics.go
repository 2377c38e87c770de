package transcoder

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricNameJobSucceeded   = "transcode_job_succeeded_total"
	metricNameJobFailed      = "transcode_job_failed_total"
	metricNameJobRescheduled = "transcode_job_rescheduled_total"
	metricNameJobCancelled   = "transcode_job_cancelled_total"
	metricNameJobReclaimed   = "transcode_job_reclaimed_total"
	metricNameJobDuration    = "transcode_job_duration_ms"
)

type workerMetrics struct {
	succeeded   metric.Int64Counter
	failed      metric.Int64Counter
	rescheduled metric.Int64Counter
	cancelled   metric.Int64Counter
	reclaimed   metric.Int64Counter
	duration    metric.Float64Histogram
	helper      *log.Helper
	enabled     bool
}

func newWorkerMetrics(meter metric.Meter, helper *log.Helper) *workerMetrics {
	m := &workerMetrics{helper: helper}
	if meter == nil {
		return m
	}

	var err error
	if m.succeeded, err = meter.Int64Counter(metricNameJobSucceeded,
		metric.WithDescription("Number of transcode jobs completed successfully")); err != nil {
		helper.Warnf("transcoder metrics: register succeeded counter: %v", err)
		return m
	}
	if m.failed, err = meter.Int64Counter(metricNameJobFailed,
		metric.WithDescription("Number of transcode jobs that exhausted their retry budget")); err != nil {
		helper.Warnf("transcoder metrics: register failed counter: %v", err)
	}
	if m.rescheduled, err = meter.Int64Counter(metricNameJobRescheduled,
		metric.WithDescription("Number of transcode job attempts put back in the queue")); err != nil {
		helper.Warnf("transcoder metrics: register rescheduled counter: %v", err)
	}
	if m.cancelled, err = meter.Int64Counter(metricNameJobCancelled,
		metric.WithDescription("Number of transcode jobs cancelled at a checkpoint")); err != nil {
		helper.Warnf("transcoder metrics: register cancelled counter: %v", err)
	}
	if m.reclaimed, err = meter.Int64Counter(metricNameJobReclaimed,
		metric.WithDescription("Number of transcode jobs reclaimed from an expired lease")); err != nil {
		helper.Warnf("transcoder metrics: register reclaimed counter: %v", err)
	}
	if m.duration, err = meter.Float64Histogram(metricNameJobDuration,
		metric.WithDescription("End-to-end duration of successful transcode jobs"), metric.WithUnit("ms")); err != nil {
		helper.Warnf("transcoder metrics: register duration histogram: %v", err)
	}
	m.enabled = true
	return m
}

func (m *workerMetrics) recordSucceeded(ctx context.Context, profile string, elapsed time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("profile", profile))
	if m.succeeded != nil {
		m.succeeded.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}

func (m *workerMetrics) recordFailed(ctx context.Context, profile string) {
	if m == nil || !m.enabled || m.failed == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
}

func (m *workerMetrics) recordRescheduled(ctx context.Context, profile string) {
	if m == nil || !m.enabled || m.rescheduled == nil {
		return
	}
	m.rescheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
}

func (m *workerMetrics) recordCancelled(ctx context.Context, profile string) {
	if m == nil || !m.enabled || m.cancelled == nil {
		return
	}
	m.cancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
}

func (m *workerMetrics) recordReclaimed(ctx context.Context, profile string) {
	if m == nil || !m.enabled || m.reclaimed == nil {
		return
	}
	m.reclaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
}
