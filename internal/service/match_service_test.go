package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomatch/trialmatch/internal/encoder"
	"github.com/endomatch/trialmatch/internal/matcherrors"
	"github.com/endomatch/trialmatch/internal/models"
)

type stubRetriever struct {
	retrieveFn func(ctx context.Context, queryText string, k int) ([]RetrievedTrial, error)
}

func (s *stubRetriever) Retrieve(ctx context.Context, queryText string, k int) ([]RetrievedTrial, error) {
	return s.retrieveFn(ctx, queryText, k)
}

type stubAdjudicator struct {
	adjudicateFn func(ctx context.Context, queryText string, trial models.TrialRecord) models.Verdict
}

func (s *stubAdjudicator) Adjudicate(ctx context.Context, queryText string, trial models.TrialRecord) models.Verdict {
	return s.adjudicateFn(ctx, queryText, trial)
}

func retrievedTrial(nctID string, score float64) RetrievedTrial {
	return RetrievedTrial{
		Trial: models.TrialRecord{NCTID: nctID, Title: "Trial " + nctID},
		Score: score,
	}
}

func verdictFor(label models.EligibilityLabel, nctID string) models.Verdict {
	return models.Verdict{NCTID: nctID, Label: label, Confidence: 0.8}
}

func TestMatchService_Match(t *testing.T) {
	var requestedK atomic.Int32

	retriever := &stubRetriever{retrieveFn: func(_ context.Context, _ string, k int) ([]RetrievedTrial, error) {
		requestedK.Store(int32(k))

		return []RetrievedTrial{
			retrievedTrial("NCT00000001", 0.95),
			retrievedTrial("NCT00000002", 0.90),
			retrievedTrial("NCT00000003", 0.85),
			retrievedTrial("NCT00000004", 0.80),
			retrievedTrial("NCT00000005", 0.75),
		}, nil
	}}

	labels := map[string]models.EligibilityLabel{
		"NCT00000001": models.LabelIneligible,
		"NCT00000002": models.LabelUncertain,
		"NCT00000003": models.LabelEligible,
		"NCT00000004": models.LabelEligible,
		"NCT00000005": models.LabelUncertain,
	}

	adjudicator := &stubAdjudicator{adjudicateFn: func(_ context.Context, _ string, trial models.TrialRecord) models.Verdict {
		return verdictFor(labels[trial.NCTID], trial.NCTID)
	}}

	svc := NewMatchService(MatchServiceParams{Retriever: retriever, Adjudicator: adjudicator})

	result, err := svc.Match(context.Background(), "stage III endometriosis with pelvic pain", 3)
	require.NoError(t, err)
	require.Len(t, result.Matches, 3)

	// Shortlist is widened threefold before adjudication.
	assert.Equal(t, int32(9), requestedK.Load())

	// Eligible trials first (by similarity), then the best uncertain one.
	assert.Equal(t, "NCT00000003", result.Matches[0].Trial.NCTID)
	assert.Equal(t, "NCT00000004", result.Matches[1].Trial.NCTID)
	assert.Equal(t, "NCT00000002", result.Matches[2].Trial.NCTID)
	assert.False(t, result.Degraded)
}

func TestMatchService_Match_validation(t *testing.T) {
	tests := []struct {
		name       string
		summary    string
		maxResults int
	}{
		{"empty summary", "", 3},
		{"whitespace summary", "   \n\t", 3},
		{"maxResults zero", "pelvic pain", 0},
		{"maxResults too large", "pelvic pain", MaxResultsLimit + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retriever := &stubRetriever{retrieveFn: func(context.Context, string, int) ([]RetrievedTrial, error) {
				t.Error("retriever must not be called for invalid input")

				return nil, nil
			}}

			svc := NewMatchService(MatchServiceParams{
				Retriever:   retriever,
				Adjudicator: &stubAdjudicator{},
			})

			_, err := svc.Match(context.Background(), tt.summary, tt.maxResults)
			assert.ErrorIs(t, err, matcherrors.ErrValidation)
		})
	}
}

func TestMatchService_Match_oversizedSummary(t *testing.T) {
	svc := NewMatchService(MatchServiceParams{
		Retriever:   &stubRetriever{},
		Adjudicator: &stubAdjudicator{},
	})

	summary := make([]byte, encoder.MaxInputChars+1)
	for i := range summary {
		summary[i] = 'a'
	}

	_, err := svc.Match(context.Background(), string(summary), 3)
	assert.ErrorIs(t, err, matcherrors.ErrValidation)
}

func TestMatchService_Match_busy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once

	retriever := &stubRetriever{retrieveFn: func(context.Context, string, int) ([]RetrievedTrial, error) {
		return []RetrievedTrial{retrievedTrial("NCT00000001", 0.9)}, nil
	}}

	adjudicator := &stubAdjudicator{adjudicateFn: func(_ context.Context, _ string, trial models.TrialRecord) models.Verdict {
		once.Do(func() { close(started) })
		<-release

		return verdictFor(models.LabelEligible, trial.NCTID)
	}}

	svc := NewMatchService(MatchServiceParams{
		Retriever:            retriever,
		Adjudicator:          adjudicator,
		MaxConcurrentMatches: 1,
	})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		_, err := svc.Match(context.Background(), "pelvic pain", 1)
		assert.NoError(t, err)
	}()

	<-started

	_, err := svc.Match(context.Background(), "pelvic pain", 1)
	assert.ErrorIs(t, err, matcherrors.ErrBusy)

	close(release)
	wg.Wait()
}

func TestMatchService_Match_retrievalErrorPassthrough(t *testing.T) {
	retriever := &stubRetriever{retrieveFn: func(context.Context, string, int) ([]RetrievedTrial, error) {
		return nil, matcherrors.NewRetrievalError("encoding query", nil)
	}}

	svc := NewMatchService(MatchServiceParams{
		Retriever:   retriever,
		Adjudicator: &stubAdjudicator{},
	})

	_, err := svc.Match(context.Background(), "pelvic pain", 3)
	assert.ErrorIs(t, err, matcherrors.ErrRetrieval)
}

func TestMatchService_Match_emptyShortlist(t *testing.T) {
	retriever := &stubRetriever{retrieveFn: func(context.Context, string, int) ([]RetrievedTrial, error) {
		return nil, nil
	}}

	svc := NewMatchService(MatchServiceParams{
		Retriever:   retriever,
		Adjudicator: &stubAdjudicator{},
	})

	result, err := svc.Match(context.Background(), "pelvic pain", 3)
	require.NoError(t, err)
	assert.Empty(t, result.Matches)
	assert.False(t, result.Degraded)
}

func TestMatchService_Match_reasoningOutage(t *testing.T) {
	retriever := &stubRetriever{retrieveFn: func(context.Context, string, int) ([]RetrievedTrial, error) {
		return []RetrievedTrial{
			retrievedTrial("NCT00000001", 0.9),
			retrievedTrial("NCT00000002", 0.8),
			retrievedTrial("NCT00000003", 0.7),
		}, nil
	}}

	adjudicator := &stubAdjudicator{adjudicateFn: func(_ context.Context, _ string, trial models.TrialRecord) models.Verdict {
		return models.Verdict{NCTID: trial.NCTID, Label: models.LabelUncertain, Failed: true}
	}}

	svc := NewMatchService(MatchServiceParams{Retriever: retriever, Adjudicator: adjudicator})

	result, err := svc.Match(context.Background(), "pelvic pain", 2)
	require.NoError(t, err)
	require.Len(t, result.Matches, 2)
	assert.True(t, result.Degraded)

	// An outage degrades to similarity order instead of failing the request.
	assert.Equal(t, "NCT00000001", result.Matches[0].Trial.NCTID)
	assert.Equal(t, "NCT00000002", result.Matches[1].Trial.NCTID)

	for _, match := range result.Matches {
		assert.Equal(t, models.LabelUncertain, match.Verdict.Label)
		assert.True(t, match.Verdict.Failed)
	}
}

func TestMatchService_Match_boundsAdjudicationConcurrency(t *testing.T) {
	trials := make([]RetrievedTrial, 12)
	for i := range trials {
		trials[i] = retrievedTrial(nctID(i+1), 1.0-float64(i)/100)
	}

	retriever := &stubRetriever{retrieveFn: func(context.Context, string, int) ([]RetrievedTrial, error) {
		return trials, nil
	}}

	var inFlight, peak atomic.Int32

	adjudicator := &stubAdjudicator{adjudicateFn: func(_ context.Context, _ string, trial models.TrialRecord) models.Verdict {
		now := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}

		time.Sleep(2 * time.Millisecond)

		return verdictFor(models.LabelEligible, trial.NCTID)
	}}

	svc := NewMatchService(MatchServiceParams{
		Retriever:             retriever,
		Adjudicator:           adjudicator,
		AdjudicateConcurrency: 3,
	})

	_, err := svc.Match(context.Background(), "pelvic pain", 4)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestMatchService_Match_deadline(t *testing.T) {
	retriever := &stubRetriever{retrieveFn: func(context.Context, string, int) ([]RetrievedTrial, error) {
		return []RetrievedTrial{retrievedTrial("NCT00000001", 0.9)}, nil
	}}

	// Mirrors the real adjudicator's behavior when the deadline cuts it off.
	adjudicator := &stubAdjudicator{adjudicateFn: func(ctx context.Context, _ string, trial models.TrialRecord) models.Verdict {
		<-ctx.Done()

		return models.Verdict{NCTID: trial.NCTID, Label: models.LabelUncertain, Failed: true, Err: ctx.Err()}
	}}

	svc := NewMatchService(MatchServiceParams{
		Retriever:     retriever,
		Adjudicator:   adjudicator,
		MatchDeadline: 20 * time.Millisecond,
	})

	start := time.Now()

	result, err := svc.Match(context.Background(), "pelvic pain", 1)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, result.Degraded)
}

func TestMatchService_Match_endToEnd(t *testing.T) {
	enc := encoder.New("mock", encoder.NewTokenMockClient(64), 64)
	manager := buildTestIndex(t, enc, trialFixtures())

	retriever := NewRetriever(RetrieverParams{
		Encoder:    enc,
		Index:      manager,
		QueryCache: newQueryCache(t),
	})

	// The highest-similarity trial is excluded by a criterion the shortlist
	// cannot see; adjudication moves the eligible one ahead of it.
	verdicts := map[string]models.EligibilityLabel{
		"NCT00000001": models.LabelIneligible,
		"NCT00000002": models.LabelEligible,
	}

	adjudicator := &stubAdjudicator{adjudicateFn: func(_ context.Context, _ string, trial models.TrialRecord) models.Verdict {
		label, ok := verdicts[trial.NCTID]
		if !ok {
			label = models.LabelUncertain
		}

		return verdictFor(label, trial.NCTID)
	}}

	svc := NewMatchService(MatchServiceParams{Retriever: retriever, Adjudicator: adjudicator})

	result, err := svc.Match(context.Background(),
		"Patient with stage III endometriosis and chronic pelvic pain.", 3)
	require.NoError(t, err)
	require.Len(t, result.Matches, 3)
	assert.False(t, result.Degraded)

	assert.Equal(t, "NCT00000002", result.Matches[0].Trial.NCTID)
	assert.Equal(t, models.LabelEligible, result.Matches[0].Verdict.Label)

	for _, match := range result.Matches {
		assert.NotEqual(t, "NCT00000001", match.Trial.NCTID, "ineligible trial must rank below the shortlist cut")
		assert.NotEmpty(t, match.Trial.Title)
	}
}

func nctID(n int) string {
	return fmt.Sprintf("NCT%08d", n)
}
