package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AdjudicationMetrics records LLM adjudication metrics with bounded cardinality (outcome).
type AdjudicationMetrics interface {
	RecordAdjudication(ctx context.Context, outcome string, duration time.Duration)
	RecordRetry(ctx context.Context)
}

// adjudicationMetrics implements AdjudicationMetrics.
type adjudicationMetrics struct {
	adjudications metric.Int64Counter
	duration      metric.Float64Histogram
	retries       metric.Int64Counter
}

// NewAdjudicationMetrics creates AdjudicationMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewAdjudicationMetrics(meter metric.Meter) (AdjudicationMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	outcomeDesc := "Completed adjudication calls by outcome. " +
		"Label outcome: eligible, ineligible, uncertain, malformed, failed. " +
		"Cache hits are not counted here; see trialmatch_cache_hits_total{cache=\"verdict\"}."

	adjudications, err := meter.Int64Counter(
		MetricNameAdjudications,
		metric.WithDescription(outcomeDesc),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create adjudications counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameAdjudicationDuration,
		metric.WithDescription("Adjudication call duration in seconds, including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create adjudication duration histogram: %w", err)
	}

	retries, err := meter.Int64Counter(
		MetricNameAdjudicationRetries,
		metric.WithDescription("Adjudication attempts that were retried after a transient failure"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create adjudication retries counter: %w", err)
	}

	return &adjudicationMetrics{adjudications: adjudications, duration: duration, retries: retries}, nil
}

func attrOutcome(outcome string) attribute.KeyValue {
	return attribute.String(AttrOutcome, NormalizeLabel(outcome, AllowedAdjudicationOutcomes))
}

func (a *adjudicationMetrics) RecordAdjudication(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attrOutcome(outcome))
	a.adjudications.Add(ctx, 1, attrs)
	a.duration.Record(ctx, duration.Seconds(), attrs)
}

func (a *adjudicationMetrics) RecordRetry(ctx context.Context) {
	a.retries.Add(ctx, 1)
}
