package index

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/endomatch/trialmatch/internal/encoder"
	"github.com/endomatch/trialmatch/internal/matcherrors"
	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/internal/observability"
	"github.com/endomatch/trialmatch/pkg/vectors"
)

const (
	defaultNProbe             = 8
	defaultMaxFailureFraction = 0.1
	maxNList                  = 256
)

// Encoder is the part of the vector encoder the builder needs.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	Version() string
	Dimensions() int
}

// BuilderParams configures a Builder.
type BuilderParams struct {
	Encoder Encoder
	// NList is the number of IVF partitions; 0 picks ceil(sqrt(n)) clamped to [1,256].
	NList int
	// NProbe is the number of partitions probed per query; 0 picks the default (8).
	NProbe int
	// MaxFailureFraction rejects the build when more than this fraction of
	// records fail encoding; 0 picks the default (0.10).
	MaxFailureFraction float64
	// Workers sizes the encode pool; 0 picks runtime.NumCPU().
	Workers int
	// Metrics may be nil (metrics disabled).
	Metrics observability.IndexMetrics
	Logger  *slog.Logger
}

// Builder turns trial records into immutable snapshots. Encoding fans out over
// a fixed worker pool; records that already carry a vector stamped with the
// current encoder version are reused without a provider call.
type Builder struct {
	encoder            Encoder
	nlist              int
	nprobe             int
	maxFailureFraction float64
	metrics            observability.IndexMetrics
	logger             *slog.Logger
	pool               *ants.Pool
}

// NewBuilder creates a Builder and its encode pool. Call Release when done.
func NewBuilder(params BuilderParams) (*Builder, error) {
	if params.Encoder == nil {
		return nil, fmt.Errorf("builder requires an encoder")
	}

	workers := params.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create encode pool: %w", err)
	}

	nprobe := params.NProbe
	if nprobe <= 0 {
		nprobe = defaultNProbe
	}

	maxFailureFraction := params.MaxFailureFraction
	if maxFailureFraction <= 0 {
		maxFailureFraction = defaultMaxFailureFraction
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{
		encoder:            params.Encoder,
		nlist:              params.NList,
		nprobe:             nprobe,
		maxFailureFraction: maxFailureFraction,
		metrics:            params.Metrics,
		logger:             logger,
		pool:               pool,
	}, nil
}

// Release frees the encode pool. The Builder must not be used afterwards.
func (b *Builder) Release() {
	if b.pool != nil {
		b.pool.Release()
	}
}

// Build encodes records and assembles a snapshot. Per-record encoding failures
// are skipped and logged; the whole build fails with *matcherrors.BuildError
// when no records remain, when more than MaxFailureFraction of them failed, or
// when a stored vector carries a different encoder version than the current one.
func (b *Builder) Build(ctx context.Context, records []models.TrialRecord) (*Snapshot, error) {
	start := time.Now()

	snapshot, skipped, err := b.build(ctx, records)
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordBuild(ctx, "failed", time.Since(start))
		}

		return nil, err
	}

	if b.metrics != nil {
		b.metrics.RecordBuild(ctx, "success", time.Since(start))
		if skipped > 0 {
			b.metrics.RecordSkippedRecords(ctx, skipped)
		}
	}

	b.logger.InfoContext(ctx, "index build complete",
		"snapshot_id", snapshot.id,
		"size", snapshot.Size(),
		"skipped", skipped,
		"nlist", snapshot.nlist,
		"nprobe", snapshot.nprobe,
		"duration", time.Since(start))

	return snapshot, nil
}

func (b *Builder) build(ctx context.Context, records []models.TrialRecord) (*Snapshot, int, error) {
	if len(records) == 0 {
		return nil, 0, matcherrors.NewBuildError("no records to index", nil)
	}

	version := b.encoder.Version()
	dim := b.encoder.Dimensions()

	// Validate stored vectors before any encode work is submitted: a stale
	// encoder stamp rejects the whole build, it is not a per-record skip.
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			continue
		}

		if rec.EncoderVersion != version {
			return nil, 0, matcherrors.NewBuildError(
				fmt.Sprintf("record %s has vector from encoder %q, current is %q",
					rec.NCTID, rec.EncoderVersion, version), nil)
		}

		if len(rec.Vector) != dim {
			return nil, 0, matcherrors.NewBuildError(
				fmt.Sprintf("record %s has %d-dim vector, index needs %d",
					rec.NCTID, len(rec.Vector), dim), nil)
		}
	}

	vecs := make([][]float32, len(records))
	errs := make([]error, len(records))

	var wg sync.WaitGroup

	for i := range records {
		rec := records[i]

		if len(rec.Vector) > 0 {
			reused := make([]float32, dim)
			copy(reused, rec.Vector)
			vectors.NormalizeL2(reused)
			vecs[i] = reused

			continue
		}

		wg.Add(1)

		idx := i

		submitErr := b.pool.Submit(func() {
			defer wg.Done()

			vec, encodeErr := b.encoder.Encode(ctx, encoder.TruncateToLimit(rec.EligibilityText))
			if encodeErr != nil {
				errs[idx] = encodeErr

				return
			}

			vecs[idx] = vec
		})
		if submitErr != nil {
			wg.Done()

			errs[i] = fmt.Errorf("submit encode job: %w", submitErr)
		}
	}

	wg.Wait()

	if ctx.Err() != nil {
		return nil, 0, matcherrors.NewBuildError("build canceled", ctx.Err())
	}

	kept := make([]models.TrialRecord, 0, len(records))
	keptVecs := make([][]float32, 0, len(records))
	skipped := 0

	for i, rec := range records {
		if errs[i] != nil {
			skipped++

			b.logger.WarnContext(ctx, "skipping record after encode failure",
				"nct_id", rec.NCTID, "error", errs[i])

			continue
		}

		rec.Vector = vecs[i]
		rec.EncoderVersion = version
		kept = append(kept, rec)
		keptVecs = append(keptVecs, vecs[i])
	}

	if frac := float64(skipped) / float64(len(records)); frac > b.maxFailureFraction {
		return nil, skipped, matcherrors.NewBuildError(
			fmt.Sprintf("%d of %d records failed encoding (%.0f%%), budget is %.0f%%",
				skipped, len(records), frac*100, b.maxFailureFraction*100), nil)
	}

	if len(kept) == 0 {
		return nil, skipped, matcherrors.NewBuildError("all records failed encoding", nil)
	}

	nlist := b.nlist
	if nlist <= 0 {
		nlist = autoNList(len(kept))
	}

	if nlist > len(kept) {
		nlist = len(kept)
	}

	centroids, assignments := kMeans(keptVecs, nlist)

	postings := make([][]int32, len(centroids))
	for i, c := range assignments {
		postings[c] = append(postings[c], int32(i))
	}

	byID := make(map[string]int, len(kept))
	for i, rec := range kept {
		byID[rec.NCTID] = i
	}

	return &Snapshot{
		id:             uuid.Must(uuid.NewV7()).String(),
		builtAt:        time.Now().UTC(),
		encoderVersion: version,
		dim:            dim,
		records:        kept,
		vecs:           keptVecs,
		byID:           byID,
		nlist:          len(centroids),
		nprobe:         b.nprobe,
		centroids:      centroids,
		postings:       postings,
	}, skipped, nil
}

// autoNList is ceil(sqrt(n)) clamped to [1, 256].
func autoNList(n int) int {
	nlist := int(math.Ceil(math.Sqrt(float64(n))))
	if nlist < 1 {
		nlist = 1
	}

	if nlist > maxNList {
		nlist = maxNList
	}

	return nlist
}
