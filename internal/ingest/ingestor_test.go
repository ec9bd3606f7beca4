package ingest

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomatch/trialmatch/internal/corpus"
	"github.com/endomatch/trialmatch/internal/encoder"
	"github.com/endomatch/trialmatch/pkg/ctgov"
)

type stubRegistry struct {
	allStudies func(ctx context.Context, query string, pageSize, maxStudies int) ([]ctgov.Study, error)
}

func (s *stubRegistry) AllStudies(ctx context.Context, query string, pageSize, maxStudies int) ([]ctgov.Study, error) {
	return s.allStudies(ctx, query, pageSize, maxStudies)
}

func registryStudy(nctID, criteria, country string) ctgov.Study {
	return ctgov.Study{ProtocolSection: ctgov.ProtocolSection{
		IdentificationModule: ctgov.IdentificationModule{NCTID: nctID, BriefTitle: "Trial " + nctID},
		StatusModule:         ctgov.StatusModule{OverallStatus: "RECRUITING"},
		EligibilityModule:    ctgov.EligibilityModule{EligibilityCriteria: criteria},
		ContactsLocationsModule: ctgov.ContactsLocationsModule{
			Locations: []ctgov.Location{{Country: country}},
		},
	}}
}

func newTestStore(t *testing.T) *corpus.Store {
	t.Helper()

	store, err := corpus.Open("", corpus.WithInMemory(), corpus.WithLogger(slog.Default()))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func TestIngestor_Run(t *testing.T) {
	studies := []ctgov.Study{
		registryStudy("NCT00000001", "Inclusion: confirmed endometriosis.", "United States"),
		registryStudy("NCT00000002", "Inclusion: stage III disease.", "United States"),
		registryStudy("NCT00000003", "Inclusion: pelvic pain.", "Canada"),
	}

	registry := &stubRegistry{
		allStudies: func(_ context.Context, query string, pageSize, maxStudies int) ([]ctgov.Study, error) {
			assert.Equal(t, "endometriosis", query)
			assert.Equal(t, 100, pageSize)
			assert.Equal(t, 500, maxStudies)

			return studies, nil
		},
	}

	store := newTestStore(t)
	enc := encoder.New("mock", encoder.NewMockClient(8), 8)

	ingestor := NewIngestor(IngestorParams{
		Registry:   registry,
		Encoder:    enc,
		Store:      store,
		Query:      "endometriosis",
		PageSize:   100,
		MaxStudies: 500,
		USOnly:     true,
	})

	summary, err := ingestor.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 2, summary.Stored)
	assert.Equal(t, 2, summary.Encoded)
	assert.Zero(t, summary.Reused)
	assert.Zero(t, summary.Failed)

	trials, err := store.ListTrials()
	require.NoError(t, err)
	require.Len(t, trials, 2)

	for _, trial := range trials {
		assert.Equal(t, enc.Version(), trial.EncoderVersion)
		assert.Len(t, trial.Vector, 8)
	}
}

func TestIngestor_Run_keepsForeignTrialsWhenNotUSOnly(t *testing.T) {
	registry := &stubRegistry{
		allStudies: func(_ context.Context, _ string, _, _ int) ([]ctgov.Study, error) {
			return []ctgov.Study{registryStudy("NCT00000003", "Inclusion: pelvic pain.", "Canada")}, nil
		},
	}

	store := newTestStore(t)

	ingestor := NewIngestor(IngestorParams{
		Registry: registry,
		Encoder:  encoder.New("mock", encoder.NewMockClient(8), 8),
		Store:    store,
	})

	summary, err := ingestor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Stored)
}

func TestIngestor_Run_reusesVectorsFromSameEncoderVersion(t *testing.T) {
	registry := &stubRegistry{
		allStudies: func(_ context.Context, _ string, _, _ int) ([]ctgov.Study, error) {
			return []ctgov.Study{
				registryStudy("NCT00000001", "Inclusion: confirmed endometriosis.", "United States"),
				registryStudy("NCT00000002", "Inclusion: stage III disease.", "United States"),
			}, nil
		},
	}

	store := newTestStore(t)
	client := encoder.NewMockClient(8)

	ingestor := NewIngestor(IngestorParams{
		Registry: registry,
		Encoder:  encoder.New("mock", client, 8),
		Store:    store,
		USOnly:   true,
	})

	first, err := ingestor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Encoded)

	callsAfterFirst := client.Calls()

	second, err := ingestor.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Encoded)
	assert.Equal(t, 2, second.Reused)
	assert.Equal(t, callsAfterFirst, client.Calls())
}

func TestIngestor_Run_skipsRecordsThatFailToEncode(t *testing.T) {
	registry := &stubRegistry{
		allStudies: func(_ context.Context, _ string, _, _ int) ([]ctgov.Study, error) {
			return []ctgov.Study{
				registryStudy("NCT00000001", "Inclusion: confirmed endometriosis.", "United States"),
				// No criteria and no summary, so there is nothing to encode.
				registryStudy("NCT00000002", "", "United States"),
			}, nil
		},
	}

	store := newTestStore(t)

	ingestor := NewIngestor(IngestorParams{
		Registry: registry,
		Encoder:  encoder.New("mock", encoder.NewMockClient(8), 8),
		Store:    store,
	})

	summary, err := ingestor.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Stored)
	assert.Equal(t, 1, summary.Encoded)
	assert.Equal(t, 1, summary.Failed)

	_, _, err = store.GetVector("NCT00000002")
	assert.ErrorIs(t, err, corpus.ErrNotFound)
}

func TestIngestor_Run_registryError(t *testing.T) {
	registry := &stubRegistry{
		allStudies: func(_ context.Context, _ string, _, _ int) ([]ctgov.Study, error) {
			return nil, errors.New("registry unavailable")
		},
	}

	ingestor := NewIngestor(IngestorParams{
		Registry: registry,
		Encoder:  encoder.New("mock", encoder.NewMockClient(8), 8),
		Store:    newTestStore(t),
	})

	_, err := ingestor.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch studies")
}

func TestIngestor_Run_cancelledContext(t *testing.T) {
	registry := &stubRegistry{
		allStudies: func(_ context.Context, _ string, _, _ int) ([]ctgov.Study, error) {
			return []ctgov.Study{
				registryStudy("NCT00000001", "Inclusion: confirmed endometriosis.", "United States"),
			}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ingestor := NewIngestor(IngestorParams{
		Registry: registry,
		Encoder:  encoder.New("mock", encoder.NewMockClient(8), 8),
		Store:    newTestStore(t),
	})

	summary, err := ingestor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Stored)
	assert.Zero(t, summary.Encoded)
}
