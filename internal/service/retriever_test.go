package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomatch/trialmatch/internal/encoder"
	"github.com/endomatch/trialmatch/internal/index"
	"github.com/endomatch/trialmatch/internal/matcherrors"
	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/pkg/cache"
)

type stubQueryEncoder struct {
	encodeFn func(ctx context.Context, text string) ([]float32, error)
	calls    atomic.Int32
}

func (s *stubQueryEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	s.calls.Add(1)

	return s.encodeFn(ctx, text)
}

// trialFixtures are five endometriosis trials; the first two mention stage III
// disease so a token-overlap encoder ranks them closest to a stage III query.
func trialFixtures() []models.TrialRecord {
	return []models.TrialRecord{
		{
			NCTID:           "NCT00000001",
			Title:           "Excision Surgery for Stage III Endometriosis",
			EligibilityText: "Inclusion: surgically confirmed stage III endometriosis with chronic pelvic pain.",
			SourceURL:       "https://clinicaltrials.gov/study/NCT00000001",
		},
		{
			NCTID:           "NCT00000002",
			Title:           "Hormonal Therapy in Stage III Endometriosis",
			EligibilityText: "Inclusion: stage III endometriosis, pelvic pain for at least six months.",
			SourceURL:       "https://clinicaltrials.gov/study/NCT00000002",
		},
		{
			NCTID:           "NCT00000003",
			Title:           "Dietary Intervention for Mild Endometriosis",
			EligibilityText: "Inclusion: stage I endometriosis, no prior surgery.",
			SourceURL:       "https://clinicaltrials.gov/study/NCT00000003",
		},
		{
			NCTID:           "NCT00000004",
			Title:           "Total Knee Arthroplasty Recovery Study",
			EligibilityText: "Inclusion: adults recovering from knee arthroplasty within ninety days.",
			SourceURL:       "https://clinicaltrials.gov/study/NCT00000004",
		},
		{
			NCTID:           "NCT00000005",
			Title:           "Migraine Prophylaxis Trial",
			EligibilityText: "Inclusion: chronic migraine, at least eight headache days per month.",
			SourceURL:       "https://clinicaltrials.gov/study/NCT00000005",
		},
	}
}

func buildTestIndex(t *testing.T, enc *encoder.Encoder, records []models.TrialRecord) *index.Manager {
	t.Helper()

	builder, err := index.NewBuilder(index.BuilderParams{Encoder: enc})
	require.NoError(t, err)

	t.Cleanup(builder.Release)

	snapshot, err := builder.Build(context.Background(), records)
	require.NoError(t, err)

	manager := index.NewManager(nil)
	manager.Swap(snapshot)

	return manager
}

func newQueryCache(t *testing.T) *cache.LoaderCache[[]float32] {
	t.Helper()

	loaderCache, err := cache.NewLoaderCache[[]float32](64)
	require.NoError(t, err)

	return loaderCache
}

func TestRetriever_Retrieve(t *testing.T) {
	enc := encoder.New("mock", encoder.NewTokenMockClient(64), 64)
	manager := buildTestIndex(t, enc, trialFixtures())

	retriever := NewRetriever(RetrieverParams{
		Encoder:    enc,
		Index:      manager,
		QueryCache: newQueryCache(t),
	})

	retrieved, err := retriever.Retrieve(context.Background(),
		"Patient with stage III endometriosis and chronic pelvic pain.", 3)
	require.NoError(t, err)
	require.Len(t, retrieved, 3)

	// Stage III records outrank the unrelated trials.
	topIDs := []string{retrieved[0].Trial.NCTID, retrieved[1].Trial.NCTID}
	assert.ElementsMatch(t, []string{"NCT00000001", "NCT00000002"}, topIDs)

	for i := 1; i < len(retrieved); i++ {
		assert.GreaterOrEqual(t, retrieved[i-1].Score, retrieved[i].Score)
	}

	for _, r := range retrieved {
		assert.NotEmpty(t, r.Trial.Title)
		assert.Nil(t, r.Trial.Vector)
		assert.Empty(t, r.Trial.EncoderVersion)
	}
}

func TestRetriever_Retrieve_cachesEquivalentQueries(t *testing.T) {
	enc := encoder.New("mock", encoder.NewTokenMockClient(64), 64)
	manager := buildTestIndex(t, enc, trialFixtures())

	stub := &stubQueryEncoder{encodeFn: func(ctx context.Context, text string) ([]float32, error) {
		return enc.Encode(ctx, text)
	}}

	retriever := NewRetriever(RetrieverParams{
		Encoder:    stub,
		Index:      manager,
		QueryCache: newQueryCache(t),
	})

	_, err := retriever.Retrieve(context.Background(), "Stage III Endometriosis\n", 2)
	require.NoError(t, err)

	_, err = retriever.Retrieve(context.Background(), "  stage iii endometriosis", 2)
	require.NoError(t, err)

	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestRetriever_Retrieve_uninitializedIndex(t *testing.T) {
	stub := &stubQueryEncoder{encodeFn: func(context.Context, string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}

	retriever := NewRetriever(RetrieverParams{
		Encoder: stub,
		Index:   index.NewManager(nil),
	})

	_, err := retriever.Retrieve(context.Background(), "pelvic pain", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, matcherrors.ErrQuery)
	assert.NotErrorIs(t, err, matcherrors.ErrRetrieval)
}

func TestRetriever_Retrieve_encodeFailure(t *testing.T) {
	cause := errors.New("provider unreachable")

	stub := &stubQueryEncoder{encodeFn: func(context.Context, string) ([]float32, error) {
		return nil, cause
	}}

	enc := encoder.New("mock", encoder.NewTokenMockClient(64), 64)
	manager := buildTestIndex(t, enc, trialFixtures())

	retriever := NewRetriever(RetrieverParams{
		Encoder: stub,
		Index:   manager,
	})

	_, err := retriever.Retrieve(context.Background(), "pelvic pain", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, matcherrors.ErrRetrieval)
	assert.ErrorIs(t, err, cause)
}

func TestRetriever_Retrieve_kLargerThanCorpus(t *testing.T) {
	enc := encoder.New("mock", encoder.NewTokenMockClient(64), 64)
	manager := buildTestIndex(t, enc, trialFixtures())

	retriever := NewRetriever(RetrieverParams{
		Encoder: enc,
		Index:   manager,
	})

	retrieved, err := retriever.Retrieve(context.Background(), "endometriosis", 50)
	require.NoError(t, err)
	assert.Len(t, retrieved, 5)
}
