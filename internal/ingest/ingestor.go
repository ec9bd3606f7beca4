// Package ingest pulls studies from the trial registry into the corpus store:
// fetch, map to trial records, persist, then encode eligibility text into
// vectors. cmd/indexer drives it; the API never touches the registry.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/endomatch/trialmatch/internal/encoder"
	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/pkg/ctgov"
)

// Registry lists studies matching a search term. Satisfied by *ctgov.Client.
type Registry interface {
	AllStudies(ctx context.Context, query string, pageSize, maxStudies int) ([]ctgov.Study, error)
}

// TrialStore persists trial records and their vectors. Satisfied by
// *corpus.Store.
type TrialStore interface {
	PutTrials(trials []models.TrialRecord) error
	GetVector(nctID string) (string, []float32, error)
	PutVector(nctID, encoderVersion string, vec []float32) error
}

// Ingestor runs the fetch-store-encode pipeline for one registry query.
type Ingestor struct {
	registry Registry
	encoder  *encoder.Encoder
	store    TrialStore
	limiter  *rate.Limiter
	logger   *slog.Logger

	query      string
	pageSize   int
	maxStudies int
	usOnly     bool
}

// IngestorParams configures an Ingestor. Query, PageSize and MaxStudies are
// passed through to the registry client; USOnly drops studies without a United
// States site before they reach the store.
type IngestorParams struct {
	Registry Registry
	Encoder  *encoder.Encoder
	Store    TrialStore

	Query      string
	PageSize   int
	MaxStudies int
	USOnly     bool

	// EncodeRateLimit caps provider embedding calls per second. 0 disables
	// the cap.
	EncodeRateLimit float64

	Logger *slog.Logger
}

// Summary reports what one ingest run did.
type Summary struct {
	// Fetched is how many studies the registry returned.
	Fetched int
	// Stored is how many records survived filtering and were written.
	Stored int
	// Encoded is how many vectors were computed and persisted this run.
	Encoded int
	// Reused is how many records already had a vector from the same encoder
	// version, so no provider call was made.
	Reused int
	// Failed is how many records could not be encoded and were skipped.
	Failed int
}

// NewIngestor creates an Ingestor.
func NewIngestor(p IngestorParams) *Ingestor {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if p.EncodeRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.EncodeRateLimit), 1)
	}

	return &Ingestor{
		registry:   p.Registry,
		encoder:    p.Encoder,
		store:      p.Store,
		limiter:    limiter,
		logger:     logger,
		query:      p.Query,
		pageSize:   p.PageSize,
		maxStudies: p.MaxStudies,
		usOnly:     p.USOnly,
	}
}

// Run performs one full pass: fetch everything matching the query, store the
// mapped records, then encode each record that has no vector from the current
// encoder version. Records that fail to encode are logged and skipped so one
// bad study never aborts the run; the index builder applies its own failure
// budget later.
func (ing *Ingestor) Run(ctx context.Context) (Summary, error) {
	studies, err := ing.registry.AllStudies(ctx, ing.query, ing.pageSize, ing.maxStudies)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch studies: %w", err)
	}

	summary := Summary{Fetched: len(studies)}

	fetchedAt := time.Now().UTC()
	records := make([]models.TrialRecord, 0, len(studies))

	for _, study := range studies {
		if study.NCTID() == "" {
			ing.logger.Warn("skipping study without nct id")

			continue
		}

		if ing.usOnly && !study.HasUSLocation() {
			continue
		}

		records = append(records, ToTrialRecord(study, fetchedAt))
	}

	if err := ing.store.PutTrials(records); err != nil {
		return summary, fmt.Errorf("store trials: %w", err)
	}

	summary.Stored = len(records)

	ing.logger.Info("stored trial records",
		"fetched", summary.Fetched,
		"stored", summary.Stored,
		"query", ing.query,
	)

	version := ing.encoder.Version()

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if stored, _, err := ing.store.GetVector(record.NCTID); err == nil && stored == version {
			summary.Reused++

			continue
		}

		if ing.limiter != nil {
			if err := ing.limiter.Wait(ctx); err != nil {
				return summary, err
			}
		}

		vec, err := ing.encoder.Encode(ctx, encoder.TruncateToLimit(record.EligibilityText))
		if err != nil {
			ing.logger.Warn("skipping record, encode failed",
				"nct_id", record.NCTID,
				"error", err,
			)

			summary.Failed++

			continue
		}

		if err := ing.store.PutVector(record.NCTID, version, vec); err != nil {
			return summary, fmt.Errorf("store vector %s: %w", record.NCTID, err)
		}

		summary.Encoded++
	}

	ing.logger.Info("encoded trial records",
		"encoded", summary.Encoded,
		"reused", summary.Reused,
		"failed", summary.Failed,
		"encoder_version", version,
	)

	return summary, nil
}
