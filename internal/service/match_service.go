package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/endomatch/trialmatch/internal/encoder"
	"github.com/endomatch/trialmatch/internal/matcherrors"
	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/internal/observability"
)

const (
	// DefaultMaxResults is applied by the API layer when a request does not
	// say how many matches it wants.
	DefaultMaxResults = 3

	// MaxResultsLimit bounds how many matches one request may ask for.
	MaxResultsLimit = 20

	defaultMaxConcurrentMatches  = 8
	defaultAdjudicateConcurrency = 5
	defaultMatchDeadline         = 20 * time.Second

	// defaultOverRetrievalFactor widens the shortlist so adjudication can
	// demote similar-but-ineligible trials without emptying the response.
	defaultOverRetrievalFactor = 3
)

// TrialRetriever produces the candidate shortlist for a query.
type TrialRetriever interface {
	Retrieve(ctx context.Context, queryText string, k int) ([]RetrievedTrial, error)
}

// VerdictAdjudicator judges one (summary, trial) pair.
type VerdictAdjudicator interface {
	Adjudicate(ctx context.Context, queryText string, trial models.TrialRecord) models.Verdict
}

// MatchService orchestrates one match request: retrieve a widened shortlist,
// adjudicate the candidates concurrently, then rank and truncate.
type MatchService struct {
	retriever   TrialRetriever
	adjudicator VerdictAdjudicator
	sem         *semaphore.Weighted
	deadline    time.Duration
	parallelism int
	overFactor  int
	metrics     observability.MatchMetrics
	logger      *slog.Logger
}

// MatchServiceParams configures MatchService. Metrics may be nil. Zero values
// get defaults: 8 concurrent matches, 5 concurrent adjudications, 20s
// deadline, over-retrieval factor 3.
type MatchServiceParams struct {
	Retriever   TrialRetriever
	Adjudicator VerdictAdjudicator

	MaxConcurrentMatches  int
	AdjudicateConcurrency int
	MatchDeadline         time.Duration
	OverRetrievalFactor   int

	Metrics observability.MatchMetrics
	Logger  *slog.Logger
}

// NewMatchService creates a MatchService.
func NewMatchService(p MatchServiceParams) *MatchService {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxMatches := p.MaxConcurrentMatches
	if maxMatches <= 0 {
		maxMatches = defaultMaxConcurrentMatches
	}

	parallelism := p.AdjudicateConcurrency
	if parallelism <= 0 {
		parallelism = defaultAdjudicateConcurrency
	}

	deadline := p.MatchDeadline
	if deadline <= 0 {
		deadline = defaultMatchDeadline
	}

	overFactor := p.OverRetrievalFactor
	if overFactor <= 0 {
		overFactor = defaultOverRetrievalFactor
	}

	return &MatchService{
		retriever:   p.Retriever,
		adjudicator: p.Adjudicator,
		sem:         semaphore.NewWeighted(int64(maxMatches)),
		deadline:    deadline,
		parallelism: parallelism,
		overFactor:  overFactor,
		metrics:     p.Metrics,
		logger:      logger,
	}
}

// Match returns the ranked, adjudicated trial matches for a patient summary.
// The result is degraded (never an error) when some adjudications failed;
// only invalid input, backpressure and retrieval failure are errors.
func (m *MatchService) Match(ctx context.Context, summary string, maxResults int) (models.MatchResult, error) {
	start := time.Now()

	if !m.sem.TryAcquire(1) {
		m.recordRequest(ctx, "busy", start)

		return models.MatchResult{}, matcherrors.NewBusyError("too many concurrent match requests")
	}
	defer m.sem.Release(1)

	if err := validateMatchInput(summary, maxResults); err != nil {
		m.recordRequest(ctx, "invalid", start)

		return models.MatchResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()

	retrieved, err := m.retriever.Retrieve(ctx, summary, maxResults*m.overFactor)
	if err != nil {
		m.recordRequest(ctx, "error", start)

		return models.MatchResult{}, err
	}

	if m.metrics != nil {
		m.metrics.RecordCandidatesRetrieved(ctx, len(retrieved))
	}

	matches := m.adjudicateAll(ctx, summary, retrieved)

	degraded := false

	for _, match := range matches {
		if match.Verdict.Failed {
			degraded = true

			break
		}
	}

	models.SortMatches(matches)

	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}

	status := "ok"
	if degraded {
		status = "degraded"

		m.logger.WarnContext(ctx, "match degraded, some adjudications failed",
			"candidates", len(retrieved),
			"returned", len(matches),
		)
	}

	m.recordRequest(ctx, status, start)

	return models.MatchResult{Matches: matches, Degraded: degraded}, nil
}

// adjudicateAll fans adjudications out over a bounded group. Each goroutine
// writes only its own slot, so the slice needs no lock.
func (m *MatchService) adjudicateAll(ctx context.Context, summary string, retrieved []RetrievedTrial) []models.Match {
	matches := make([]models.Match, len(retrieved))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.parallelism)

	for i, candidate := range retrieved {
		group.Go(func() error {
			verdict := m.adjudicator.Adjudicate(groupCtx, summary, candidate.Trial)

			matches[i] = models.Match{
				Trial:      candidate.Trial,
				Similarity: candidate.Score,
				Verdict:    verdict,
			}

			return nil
		})
	}

	// Adjudicate never errors, so Wait only synchronizes.
	_ = group.Wait()

	return matches
}

func (m *MatchService) recordRequest(ctx context.Context, status string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordMatchRequest(ctx, status, time.Since(start))
	}
}

func validateMatchInput(summary string, maxResults int) error {
	if strings.TrimSpace(summary) == "" {
		return matcherrors.NewValidationError("patient_summary", "must not be empty")
	}

	if utf8.RuneCountInString(summary) > encoder.MaxInputChars {
		return matcherrors.NewValidationError("patient_summary",
			fmt.Sprintf("must be at most %d characters", encoder.MaxInputChars))
	}

	if maxResults < 1 || maxResults > MaxResultsLimit {
		return matcherrors.NewValidationError("max_results",
			fmt.Sprintf("must be between 1 and %d", MaxResultsLimit))
	}

	return nil
}
