package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/internal/retry"
)

type fakeReasoner struct {
	generateFn func(ctx context.Context, prompt string) (string, error)
	model      string
	calls      atomic.Int32
}

func (f *fakeReasoner) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	f.calls.Add(1)

	return f.generateFn(ctx, prompt)
}

func (f *fakeReasoner) Model() string {
	if f.model == "" {
		return "fake-model"
	}

	return f.model
}

func fastPolicy(maxRetries int) retry.Policy {
	return retry.NewPolicy(maxRetries, time.Millisecond, 2*time.Millisecond)
}

func newVerdictCache() *expirable.LRU[string, models.Verdict] {
	return expirable.NewLRU[string, models.Verdict](128, nil, time.Hour)
}

func sampleTrial() models.TrialRecord {
	return models.TrialRecord{
		NCTID:           "NCT01234567",
		Title:           "Excision Surgery for Stage III Endometriosis",
		Phase:           "PHASE3",
		EligibilityText: "Inclusion: surgically confirmed stage III endometriosis.",
	}
}

func TestAdjudicator_Adjudicate(t *testing.T) {
	reasoner := &fakeReasoner{generateFn: func(context.Context, string) (string, error) {
		return `{"verdict": "YES", "rationale": "Summary reports confirmed stage III disease.", "confidence": 0.9}`, nil
	}}

	adjudicator := NewAdjudicator(AdjudicatorParams{
		Reasoner: reasoner,
		Cache:    newVerdictCache(),
		Policy:   fastPolicy(3),
	})

	summary := "Patient with surgically confirmed stage III endometriosis."

	verdict := adjudicator.Adjudicate(context.Background(), summary, sampleTrial())
	assert.Equal(t, models.LabelEligible, verdict.Label)
	assert.Equal(t, "NCT01234567", verdict.NCTID)
	assert.InDelta(t, 0.9, verdict.Confidence, 1e-9)
	assert.Equal(t, "Summary reports confirmed stage III disease.", verdict.Rationale)
	assert.False(t, verdict.Cached)
	assert.False(t, verdict.Failed)

	cached := adjudicator.Adjudicate(context.Background(), summary, sampleTrial())
	assert.True(t, cached.Cached)
	assert.Equal(t, models.LabelEligible, cached.Label)
	assert.Equal(t, int32(1), reasoner.calls.Load())
}

func TestAdjudicator_Adjudicate_equivalentQueriesShareCache(t *testing.T) {
	reasoner := &fakeReasoner{generateFn: func(context.Context, string) (string, error) {
		return `{"verdict": "NO", "rationale": "Prior surgery excludes.", "confidence": 0.8}`, nil
	}}

	adjudicator := NewAdjudicator(AdjudicatorParams{
		Reasoner: reasoner,
		Cache:    newVerdictCache(),
		Policy:   fastPolicy(0),
	})

	adjudicator.Adjudicate(context.Background(), "Stage III Endometriosis\n", sampleTrial())
	verdict := adjudicator.Adjudicate(context.Background(), "  stage iii endometriosis", sampleTrial())

	assert.True(t, verdict.Cached)
	assert.Equal(t, int32(1), reasoner.calls.Load())
}

func TestAdjudicator_Adjudicate_cacheKeyedByModel(t *testing.T) {
	cache := newVerdictCache()
	reply := func(context.Context, string) (string, error) {
		return `{"verdict": "YES", "rationale": "ok", "confidence": 0.5}`, nil
	}

	first := &fakeReasoner{generateFn: reply, model: "model-a"}
	second := &fakeReasoner{generateFn: reply, model: "model-b"}

	NewAdjudicator(AdjudicatorParams{Reasoner: first, Cache: cache, Policy: fastPolicy(0)}).
		Adjudicate(context.Background(), "pelvic pain", sampleTrial())

	verdict := NewAdjudicator(AdjudicatorParams{Reasoner: second, Cache: cache, Policy: fastPolicy(0)}).
		Adjudicate(context.Background(), "pelvic pain", sampleTrial())

	assert.False(t, verdict.Cached)
	assert.Equal(t, int32(1), second.calls.Load())
}

func TestAdjudicator_Adjudicate_fencedReply(t *testing.T) {
	reasoner := &fakeReasoner{generateFn: func(context.Context, string) (string, error) {
		return "```json\n{\"verdict\": \"MAYBE\", \"rationale\": \"Age not stated.\", \"confidence\": 0.4}\n```", nil
	}}

	adjudicator := NewAdjudicator(AdjudicatorParams{Reasoner: reasoner, Policy: fastPolicy(0)})

	verdict := adjudicator.Adjudicate(context.Background(), "pelvic pain", sampleTrial())
	assert.Equal(t, models.LabelUncertain, verdict.Label)
	assert.Equal(t, "Age not stated.", verdict.Rationale)
	assert.False(t, verdict.Failed)
}

func TestAdjudicator_Adjudicate_malformedReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not JSON", "the patient seems eligible to me"},
		{"unknown verdict", `{"verdict": "PROBABLY", "rationale": "?", "confidence": 0.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newVerdictCache()
			reasoner := &fakeReasoner{generateFn: func(context.Context, string) (string, error) {
				return tt.reply, nil
			}}

			adjudicator := NewAdjudicator(AdjudicatorParams{
				Reasoner: reasoner,
				Cache:    cache,
				Policy:   fastPolicy(3),
			})

			verdict := adjudicator.Adjudicate(context.Background(), "pelvic pain", sampleTrial())
			assert.Equal(t, models.LabelIneligible, verdict.Label)
			assert.Zero(t, verdict.Confidence)
			assert.False(t, verdict.Failed)

			// Malformed replies are terminal, not retried, and never cached.
			assert.Equal(t, int32(1), reasoner.calls.Load())
			assert.Zero(t, cache.Len())
		})
	}
}

func TestAdjudicator_Adjudicate_retriesTransientFailures(t *testing.T) {
	reasoner := &fakeReasoner{}
	reasoner.generateFn = func(context.Context, string) (string, error) {
		if reasoner.calls.Load() < 3 {
			return "", errors.New("upstream 503")
		}

		return `{"verdict": "YES", "rationale": "ok", "confidence": 0.7}`, nil
	}

	adjudicator := NewAdjudicator(AdjudicatorParams{Reasoner: reasoner, Policy: fastPolicy(3)})

	verdict := adjudicator.Adjudicate(context.Background(), "pelvic pain", sampleTrial())
	assert.Equal(t, models.LabelEligible, verdict.Label)
	assert.False(t, verdict.Failed)
	assert.Equal(t, int32(3), reasoner.calls.Load())
}

func TestAdjudicator_Adjudicate_retriesExhausted(t *testing.T) {
	cache := newVerdictCache()
	reasoner := &fakeReasoner{generateFn: func(context.Context, string) (string, error) {
		return "", errors.New("upstream 503")
	}}

	adjudicator := NewAdjudicator(AdjudicatorParams{
		Reasoner: reasoner,
		Cache:    cache,
		Policy:   fastPolicy(2),
	})

	verdict := adjudicator.Adjudicate(context.Background(), "pelvic pain", sampleTrial())
	assert.Equal(t, models.LabelUncertain, verdict.Label)
	assert.Zero(t, verdict.Confidence)
	assert.True(t, verdict.Failed)
	require.Error(t, verdict.Err)

	assert.Equal(t, int32(3), reasoner.calls.Load())
	assert.Zero(t, cache.Len())
}

func TestAdjudicator_Adjudicate_callTimeout(t *testing.T) {
	reasoner := &fakeReasoner{generateFn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()

		return "", ctx.Err()
	}}

	adjudicator := NewAdjudicator(AdjudicatorParams{
		Reasoner:    reasoner,
		Policy:      fastPolicy(1),
		CallTimeout: 5 * time.Millisecond,
	})

	start := time.Now()
	verdict := adjudicator.Adjudicate(context.Background(), "pelvic pain", sampleTrial())

	assert.True(t, verdict.Failed)
	assert.Equal(t, models.LabelUncertain, verdict.Label)
	assert.Equal(t, int32(2), reasoner.calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestAdjudicator_Adjudicate_canceledWritesNothing(t *testing.T) {
	cache := newVerdictCache()
	reasoner := &fakeReasoner{generateFn: func(ctx context.Context, _ string) (string, error) {
		return "", ctx.Err()
	}}

	adjudicator := NewAdjudicator(AdjudicatorParams{
		Reasoner: reasoner,
		Cache:    cache,
		Policy:   fastPolicy(3),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	verdict := adjudicator.Adjudicate(ctx, "pelvic pain", sampleTrial())
	assert.True(t, verdict.Failed)
	assert.Zero(t, cache.Len())
	assert.Equal(t, int32(1), reasoner.calls.Load())
}

func TestAdjudicator_Adjudicate_clampsConfidence(t *testing.T) {
	reasoner := &fakeReasoner{generateFn: func(context.Context, string) (string, error) {
		return `{"verdict": "YES", "rationale": "ok", "confidence": 1.7}`, nil
	}}

	adjudicator := NewAdjudicator(AdjudicatorParams{Reasoner: reasoner, Policy: fastPolicy(0)})

	verdict := adjudicator.Adjudicate(context.Background(), "pelvic pain", sampleTrial())
	assert.InDelta(t, 1.0, verdict.Confidence, 1e-9)
}

func TestAdjudicator_promptContents(t *testing.T) {
	var seenPrompt string

	reasoner := &fakeReasoner{generateFn: func(_ context.Context, prompt string) (string, error) {
		seenPrompt = prompt

		return `{"verdict": "NO", "rationale": "ok", "confidence": 0.6}`, nil
	}}

	adjudicator := NewAdjudicator(AdjudicatorParams{Reasoner: reasoner, Policy: fastPolicy(0)})

	trial := sampleTrial()
	trial.EligibilityText = strings.Repeat("a", maxEligibilityPromptChars) + "OVERFLOW"

	summary := "Patient with stage III endometriosis."
	adjudicator.Adjudicate(context.Background(), summary, trial)

	assert.Contains(t, seenPrompt, summary)
	assert.Contains(t, seenPrompt, trial.Title)
	assert.Contains(t, seenPrompt, `"verdict"`)
	assert.NotContains(t, seenPrompt, "OVERFLOW")
}
