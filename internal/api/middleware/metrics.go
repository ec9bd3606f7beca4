package middleware

import (
	"net/http"
	"regexp"
	"time"

	"github.com/endomatch/trialmatch/internal/observability"
)

// NCT-number path segment (e.g. /v1/trials/NCT01234567).
var nctSegmentRegex = regexp.MustCompile(`/NCT\d+(/|$)`)

// Metrics returns middleware that records HTTP request count and duration via APIMetrics.
// When metrics is nil, recording is skipped. Put Metrics outermost so duration is full request time.
func Metrics(metrics observability.APIMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)

				return
			}

			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rw, r)

			metrics.RecordRequest(r.Context(), r.Method, normalizeRoute(r.URL.Path),
				statusToClass(rw.statusCode), time.Since(start))
		})
	}
}

// normalizeRoute replaces NCT-number path segments with {nctId} to bound cardinality.
func normalizeRoute(path string) string {
	return nctSegmentRegex.ReplaceAllString(path, "/{nctId}$1")
}

// statusToClass maps HTTP status code to 1xx, 2xx, 4xx, 5xx.
func statusToClass(status int) string {
	if status >= 500 {
		return "5xx"
	}

	if status >= 400 {
		return "4xx"
	}

	if status >= 300 {
		return "3xx"
	}

	if status >= 200 {
		return "2xx"
	}

	if status >= 100 {
		return "1xx"
	}

	return "unknown"
}
