package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all trialmatch metric collectors. When metrics are disabled, all
// fields are nil. Components accept the corresponding interface field and already
// handle nil.
type Metrics struct {
	Match        MatchMetrics
	Adjudication AdjudicationMetrics
	Index        IndexMetrics
	Cache        CacheMetrics
	API          APIMetrics
}

// NewMetrics creates all metric collectors from the given meter.
// Returns (nil, nil) when meter is nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	match, err := NewMatchMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("match metrics: %w", err)
	}

	adjudication, err := NewAdjudicationMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("adjudication metrics: %w", err)
	}

	index, err := NewIndexMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("index metrics: %w", err)
	}

	cache, err := NewCacheMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("cache metrics: %w", err)
	}

	api, err := NewAPIMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("api metrics: %w", err)
	}

	return &Metrics{
		Match:        match,
		Adjudication: adjudication,
		Index:        index,
		Cache:        cache,
		API:          api,
	}, nil
}
