package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/endomatch/trialmatch/internal/index"
	"github.com/endomatch/trialmatch/internal/models"
)

// ErrRebuildInProgress is returned when a rebuild is requested while one is
// already running (used by handlers for status mapping).
var ErrRebuildInProgress = errors.New("index rebuild already in progress")

// CorpusLister reads the full trial corpus with any stored vectors attached.
type CorpusLister interface {
	ListTrials() ([]models.TrialRecord, error)
}

// SnapshotBuilder turns trial records into a searchable snapshot.
type SnapshotBuilder interface {
	Build(ctx context.Context, records []models.TrialRecord) (*index.Snapshot, error)
}

// SnapshotSwapper installs a snapshot as the active one.
type SnapshotSwapper interface {
	Swap(next *index.Snapshot)
}

// RebuildService rebuilds the similarity index from the corpus store and
// swaps it in atomically. At most one rebuild runs at a time; queries keep
// hitting the previous snapshot until the swap.
type RebuildService struct {
	store   CorpusLister
	builder SnapshotBuilder
	swapper SnapshotSwapper
	running atomic.Bool
	logger  *slog.Logger
}

// RebuildServiceParams configures RebuildService.
type RebuildServiceParams struct {
	Store   CorpusLister
	Builder SnapshotBuilder
	Swapper SnapshotSwapper
	Logger  *slog.Logger
}

// NewRebuildService creates a RebuildService.
func NewRebuildService(p RebuildServiceParams) *RebuildService {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RebuildService{
		store:   p.Store,
		builder: p.Builder,
		swapper: p.Swapper,
		logger:  logger,
	}
}

// Rebuild runs one rebuild synchronously. Returns ErrRebuildInProgress when
// another rebuild is already running.
func (s *RebuildService) Rebuild(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRebuildInProgress
	}
	defer s.running.Store(false)

	return s.rebuild(ctx)
}

// Trigger starts a rebuild in the background and returns immediately.
// Returns ErrRebuildInProgress when another rebuild is already running.
func (s *RebuildService) Trigger(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRebuildInProgress
	}

	s.logger.InfoContext(ctx, "index rebuild started")

	go func() {
		defer s.running.Store(false)

		// The rebuild outlives the request that kicked it off.
		bgCtx := context.Background()
		if err := s.rebuild(bgCtx); err != nil {
			s.logger.Error("background index rebuild failed", "error", err)
		}
	}()

	return nil
}

// Running reports whether a rebuild is currently in flight.
func (s *RebuildService) Running() bool {
	return s.running.Load()
}

func (s *RebuildService) rebuild(ctx context.Context) error {
	start := time.Now()

	records, err := s.store.ListTrials()
	if err != nil {
		return fmt.Errorf("listing corpus: %w", err)
	}

	snapshot, err := s.builder.Build(ctx, records)
	if err != nil {
		return fmt.Errorf("building index: %w", err)
	}

	s.swapper.Swap(snapshot)

	s.logger.InfoContext(ctx, "index rebuilt and swapped",
		"snapshot_id", snapshot.Stats().ID,
		"size", snapshot.Size(),
		"duration", time.Since(start),
	)

	return nil
}
