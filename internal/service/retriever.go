package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/endomatch/trialmatch/internal/index"
	"github.com/endomatch/trialmatch/internal/matcherrors"
	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/internal/observability"
	"github.com/endomatch/trialmatch/pkg/cache"
	"github.com/endomatch/trialmatch/pkg/textnorm"
)

const queryEmbeddingCacheName = "query_embedding"

// QueryEncoder turns query text into an embedding comparable to the indexed vectors.
type QueryEncoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// SnapshotProvider yields the active index snapshot.
type SnapshotProvider interface {
	Active() (*index.Snapshot, error)
}

// RetrievedTrial is one shortlist entry: the trial's metadata with its
// similarity score against the query.
type RetrievedTrial struct {
	Trial models.TrialRecord
	Score float64
}

// Retriever produces the candidate shortlist for a patient summary: it encodes
// the query (cached and coalesced per normalized text) and searches the active
// index snapshot. All candidates come from a single snapshot, so a concurrent
// index swap never yields a mixed shortlist.
type Retriever struct {
	encoder      QueryEncoder
	index        SnapshotProvider
	queryCache   *cache.LoaderCache[[]float32]
	cacheMetrics observability.CacheMetrics
	logger       *slog.Logger
}

// RetrieverParams configures Retriever. QueryCache and CacheMetrics may be nil
// (no caching).
type RetrieverParams struct {
	Encoder      QueryEncoder
	Index        SnapshotProvider
	QueryCache   *cache.LoaderCache[[]float32]
	CacheMetrics observability.CacheMetrics
	Logger       *slog.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(p RetrieverParams) *Retriever {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Retriever{
		encoder:      p.Encoder,
		index:        p.Index,
		queryCache:   p.QueryCache,
		cacheMetrics: p.CacheMetrics,
		logger:       logger,
	}
}

// Retrieve returns up to k trials most similar to queryText, best first.
// The list is complete or the call fails; a shortlist is never partial.
// Returned trial records carry no embedding vector.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, k int) ([]RetrievedTrial, error) {
	embedding, err := r.queryEmbedding(ctx, queryText)
	if err != nil {
		r.logger.ErrorContext(ctx, "retrieval: query encoding failed", "error", err)

		return nil, matcherrors.NewRetrievalError("encoding query", err)
	}

	snapshot, err := r.index.Active()
	if err != nil {
		return nil, err
	}

	candidates, err := snapshot.Search(embedding, k)
	if err != nil {
		return nil, matcherrors.NewRetrievalError("querying index", err)
	}

	retrieved := make([]RetrievedTrial, 0, len(candidates))

	for _, candidate := range candidates {
		trial, ok := snapshot.Get(candidate.NCTID)
		if !ok {
			return nil, matcherrors.NewRetrievalError(
				fmt.Sprintf("candidate %s missing from snapshot", candidate.NCTID), nil)
		}

		// The embedding stays server-side.
		trial.Vector = nil
		trial.EncoderVersion = ""

		retrieved = append(retrieved, RetrievedTrial{Trial: trial, Score: candidate.Score})
	}

	return retrieved, nil
}

// queryEmbedding encodes the normalized query. Equivalent spellings share one
// cache entry, and concurrent misses for the same key encode once.
func (r *Retriever) queryEmbedding(ctx context.Context, queryText string) ([]float32, error) {
	normalized := textnorm.Normalize(queryText)

	if r.queryCache == nil {
		return r.encoder.Encode(ctx, normalized)
	}

	vec, hit, err := r.queryCache.Get(ctx, textnorm.CacheKey(queryText),
		func(ctx context.Context) ([]float32, error) {
			return r.encoder.Encode(ctx, normalized)
		})
	if err != nil {
		return nil, err
	}

	if r.cacheMetrics != nil {
		if hit {
			r.cacheMetrics.RecordHit(ctx, queryEmbeddingCacheName)
		} else {
			r.cacheMetrics.RecordMiss(ctx, queryEmbeddingCacheName)
		}
	}

	return vec, nil
}
