package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MatchMetrics records match pipeline metrics with bounded cardinality (status).
type MatchMetrics interface {
	RecordMatchRequest(ctx context.Context, status string, duration time.Duration)
	RecordCandidatesRetrieved(ctx context.Context, count int)
}

// matchMetrics implements MatchMetrics.
type matchMetrics struct {
	requests   metric.Int64Counter
	duration   metric.Float64Histogram
	candidates metric.Int64Counter
}

// NewMatchMetrics creates MatchMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewMatchMetrics(meter metric.Meter) (MatchMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	requests, err := meter.Int64Counter(
		MetricNameMatchRequests,
		metric.WithDescription("Match requests by terminal status (ok, degraded, invalid, busy, error)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create match requests counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameMatchDuration,
		metric.WithDescription("End-to-end match request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create match duration histogram: %w", err)
	}

	candidates, err := meter.Int64Counter(
		MetricNameCandidatesRetrieved,
		metric.WithDescription("Candidate trials retrieved from the similarity index before adjudication"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create candidates retrieved counter: %w", err)
	}

	return &matchMetrics{requests: requests, duration: duration, candidates: candidates}, nil
}

func attrMatchStatus(status string) attribute.KeyValue {
	return attribute.String(AttrStatus, NormalizeLabel(status, AllowedMatchStatuses))
}

func (m *matchMetrics) RecordMatchRequest(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attrMatchStatus(status))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}

func (m *matchMetrics) RecordCandidatesRetrieved(ctx context.Context, count int) {
	m.candidates.Add(ctx, int64(count))
}
