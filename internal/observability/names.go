// Package observability provides OpenTelemetry metrics (Prometheus exporter),
// optional tracing, and the slog handler that stitches trace context into logs.
package observability

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameMatchRequests        = "trialmatch_match_requests_total"
	MetricNameMatchDuration        = "trialmatch_match_duration_seconds"
	MetricNameCandidatesRetrieved  = "trialmatch_candidates_retrieved_total"
	MetricNameAdjudications        = "trialmatch_adjudications_total"
	MetricNameAdjudicationDuration = "trialmatch_adjudication_duration_seconds"
	MetricNameAdjudicationRetries  = "trialmatch_adjudication_retries_total"
	MetricNameIndexSize            = "trialmatch_index_size"
	MetricNameIndexBuilds          = "trialmatch_index_builds_total"
	MetricNameIndexBuildDuration   = "trialmatch_index_build_duration_seconds"
	MetricNameIndexSkippedRecords  = "trialmatch_index_build_skipped_records_total"
	MetricNameIndexQueryDuration   = "trialmatch_index_query_duration_seconds"
	MetricNameCacheHits            = "trialmatch_cache_hits_total"
	MetricNameCacheMisses          = "trialmatch_cache_misses_total"
	MetricNameHTTPRequests         = "trialmatch_http_requests_total"
	MetricNameHTTPRequestDuration  = "trialmatch_http_request_duration_seconds"
	MetricNameRequestBodyTooLarge  = "trialmatch_request_body_too_large_total"
)

// Attribute keys.
const (
	AttrStatus      = "status"
	AttrOutcome     = "outcome"
	AttrCache       = "cache"
	AttrMethod      = "method"
	AttrRoute       = "route"
	AttrStatusClass = "status_class"
)

// AllowedMatchStatuses for trialmatch_match_requests_total and
// trialmatch_match_duration_seconds.
var AllowedMatchStatuses = map[string]bool{
	"ok":       true,
	"degraded": true,
	"invalid":  true,
	"busy":     true,
	"error":    true,
}

// AllowedAdjudicationOutcomes for trialmatch_adjudications_total and
// trialmatch_adjudication_duration_seconds.
var AllowedAdjudicationOutcomes = map[string]bool{
	"eligible":   true,
	"ineligible": true,
	"uncertain":  true,
	"malformed":  true,
	"failed":     true,
}

// AllowedBuildStatuses for trialmatch_index_builds_total.
var AllowedBuildStatuses = map[string]bool{
	"success": true,
	"failed":  true,
}

// AllowedCacheNames for trialmatch_cache_hits_total and trialmatch_cache_misses_total.
var AllowedCacheNames = map[string]bool{
	"query_embedding": true,
	"verdict":         true,
}

// NormalizeLabel returns value if present in allowed, otherwise "other".
// All metric attributes pass through an allowed set to bound cardinality.
func NormalizeLabel(value string, allowed map[string]bool) string {
	if allowed[value] {
		return value
	}

	return "other"
}
