package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// IndexMetrics records similarity index metrics (builds, queries, size).
type IndexMetrics interface {
	RecordBuild(ctx context.Context, status string, duration time.Duration)
	RecordSkippedRecords(ctx context.Context, count int)
	RecordQuery(ctx context.Context, duration time.Duration)
	// SetIndexSize stores the vector count of the active snapshot; an observable
	// gauge reports it at collection time.
	SetIndexSize(size int)
}

// indexMetrics implements IndexMetrics.
type indexMetrics struct {
	builds         metric.Int64Counter
	buildDuration  metric.Float64Histogram
	skippedRecords metric.Int64Counter
	queryDuration  metric.Float64Histogram

	size atomic.Int64
}

// NewIndexMetrics creates IndexMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewIndexMetrics(meter metric.Meter) (IndexMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	idxMetrics := &indexMetrics{}

	builds, err := meter.Int64Counter(
		MetricNameIndexBuilds,
		metric.WithDescription("Index build outcomes (success, failed)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create index builds counter: %w", err)
	}

	idxMetrics.builds = builds

	buildDuration, err := meter.Float64Histogram(
		MetricNameIndexBuildDuration,
		metric.WithDescription("Index build duration in seconds, including encoding"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create index build duration histogram: %w", err)
	}

	idxMetrics.buildDuration = buildDuration

	skippedRecords, err := meter.Int64Counter(
		MetricNameIndexSkippedRecords,
		metric.WithDescription("Records skipped during index builds because encoding failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create index skipped records counter: %w", err)
	}

	idxMetrics.skippedRecords = skippedRecords

	queryDuration, err := meter.Float64Histogram(
		MetricNameIndexQueryDuration,
		metric.WithDescription("Similarity query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create index query duration histogram: %w", err)
	}

	idxMetrics.queryDuration = queryDuration

	if _, err := meter.Float64ObservableGauge(
		MetricNameIndexSize,
		metric.WithDescription("Vector count of the active index snapshot"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(float64(idxMetrics.size.Load()))

			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("create index size gauge: %w", err)
	}

	return idxMetrics, nil
}

func attrBuildStatus(status string) attribute.KeyValue {
	return attribute.String(AttrStatus, NormalizeLabel(status, AllowedBuildStatuses))
}

func (i *indexMetrics) RecordBuild(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attrBuildStatus(status))
	i.builds.Add(ctx, 1, attrs)
	i.buildDuration.Record(ctx, duration.Seconds(), attrs)
}

func (i *indexMetrics) RecordSkippedRecords(ctx context.Context, count int) {
	i.skippedRecords.Add(ctx, int64(count))
}

func (i *indexMetrics) RecordQuery(ctx context.Context, duration time.Duration) {
	i.queryDuration.Record(ctx, duration.Seconds())
}

func (i *indexMetrics) SetIndexSize(size int) {
	i.size.Store(int64(size))
}
