// indexer fetches trial records from the ClinicalTrials.gov v2 registry,
// stores them in the local corpus store, and encodes eligibility text into
// persisted vectors. Run it before starting the API (and rerun plus
// POST /v1/admin/reindex to refresh a running server) so serve-time index
// builds never touch the registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/endomatch/trialmatch/internal/corpus"
	"github.com/endomatch/trialmatch/internal/encoder"
	"github.com/endomatch/trialmatch/internal/googleai"
	"github.com/endomatch/trialmatch/internal/ingest"
	"github.com/endomatch/trialmatch/internal/ollama"
	"github.com/endomatch/trialmatch/internal/openai"
	"github.com/endomatch/trialmatch/pkg/ctgov"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

var errUnsupportedEmbeddingProvider = errors.New("unsupported embedding provider")

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env for consistency with the API server (godotenv.Load() there).
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dimensions := getEnvAsInt("EMBEDDING_DIMENSIONS", 1536)
	if dimensions <= 0 {
		slog.Error("EMBEDDING_DIMENSIONS must be a positive integer")

		return exitFailure
	}

	provider := getEnv("EMBEDDING_PROVIDER", "openai")

	client, err := newEmbeddingClient(ctx, provider, dimensions)
	if err != nil {
		slog.Error("Failed to create embedding client", "error", err)

		return exitFailure
	}

	enc := encoder.New(provider, client, dimensions)
	slog.Info("embedding encoder ready", "encoder_version", enc.Version())

	corpusDir := getEnv("CORPUS_DIR", "./data/corpus")

	store, err := corpus.Open(corpusDir)
	if err != nil {
		slog.Error("Failed to open corpus store", "error", err, "dir", corpusDir)

		return exitFailure
	}

	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close corpus store", "error", err)
		}
	}()

	registry := ctgov.NewClient(ctgov.ClientOptions{
		BaseURL:           os.Getenv("CTGOV_BASE_URL"),
		RequestsPerSecond: getEnvAsFloat("CTGOV_RATE_LIMIT", 3),
	})

	ingestor := ingest.NewIngestor(ingest.IngestorParams{
		Registry:        registry,
		Encoder:         enc,
		Store:           store,
		Query:           getEnv("CTGOV_QUERY", "endometriosis"),
		PageSize:        getEnvAsInt("CTGOV_PAGE_SIZE", 100),
		MaxStudies:      getEnvAsInt("CTGOV_MAX_STUDIES", 1000),
		USOnly:          getEnvAsBool("CTGOV_US_ONLY", true),
		EncodeRateLimit: getEnvAsFloat("EMBEDDING_RATE_LIMIT", 5),
	})

	summary, err := ingestor.Run(ctx)
	if err != nil {
		slog.Error("Ingest failed", "error", err)

		return exitFailure
	}

	slog.Info("Ingest complete",
		"fetched", summary.Fetched,
		"stored", summary.Stored,
		"encoded", summary.Encoded,
		"reused", summary.Reused,
		"failed", summary.Failed,
	)

	return exitSuccess
}

// newEmbeddingClient mirrors the provider selection in cmd/api.
func newEmbeddingClient(ctx context.Context, provider string, dimensions int) (encoder.Client, error) {
	model := os.Getenv("EMBEDDING_MODEL")
	apiKey := os.Getenv("EMBEDDING_API_KEY")

	switch provider {
	case "openai":
		opts := []openai.ClientOption{openai.WithDimensions(dimensions)}
		if model != "" {
			opts = append(opts, openai.WithModel(model))
		}

		return openai.NewClient(apiKey, opts...), nil
	case "google":
		opts := []googleai.ClientOption{googleai.WithDimensions(dimensions)}
		if model != "" {
			opts = append(opts, googleai.WithModel(model))
		}

		client, err := googleai.NewClient(ctx, apiKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create google embedding client: %w", err)
		}

		return client, nil
	case "ollama":
		opts := []ollama.ClientOption{ollama.WithBaseURL(getEnv("OLLAMA_BASE_URL", "http://localhost:11434/api"))}
		if model != "" {
			opts = append(opts, ollama.WithModel(model))
		}

		return ollama.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEmbeddingProvider, provider)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
