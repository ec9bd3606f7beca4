// Package config provides application configuration loaded from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Port     string
	APIKey   string
	LogLevel string

	// Maximum request body size in bytes; requests over it get 413. 0 disables the limit.
	MaxRequestBodyBytes int64

	// Embedding provider: openai | google | ollama.
	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingDimensions int
	OllamaBaseURL       string

	// Reasoning (eligibility adjudication) via the Gemini API.
	ReasoningModel        string
	ReasoningAPIKey       string
	AdjudicateTimeout     time.Duration
	AdjudicateMaxRetries  int
	AdjudicateConcurrency int

	// Match orchestration.
	MatchDeadline       time.Duration
	MatchMaxConcurrent  int
	OverRetrievalFactor int
	VerdictCacheSize    int
	VerdictCacheTTL     time.Duration
	QueryCacheSize      int

	// Similarity index tuning. Nlist 0 means auto (sqrt of corpus size).
	IndexNlist              int
	IndexNprobe             int
	IndexMaxFailureFraction float64
	IndexBuildWorkers       int

	// Corpus store (Badger) directory shared by the indexer and the API.
	CorpusDir string

	// ClinicalTrials.gov fetch settings (used by cmd/indexer).
	CtgovBaseURL    string
	CtgovQuery      string
	CtgovPageSize   int
	CtgovMaxStudies int
	CtgovRateLimit  float64
	CtgovUSOnly     bool

	// Observability: "prometheus" enables the /metrics endpoint; empty disables metrics.
	// Traces: "otlp" | "stdout" | empty (disabled).
	OtelMetricsExporter string
	OtelTracesExporter  string
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
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

// getEnvAsFloat retrieves an environment variable as a float64 or returns a default value.
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

// getEnvAsDuration retrieves an environment variable as a time.Duration (e.g. "10s")
// or returns a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a bool or returns a default value.
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

// Load reads configuration from environment variables and returns a Config struct.
// It automatically loads .env file if it exists.
// Returns default values for any missing environment variables.
// API_KEY is required and the function will return an error if it's not set.
func Load() (*Config, error) {
	// Load .env file if it exists. Skip logging when absent (e.g. env from secrets/parameter store).
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		return nil, errors.New("API_KEY environment variable is required but not set")
	}

	embeddingDimensions := getEnvAsInt("EMBEDDING_DIMENSIONS", 1536)
	if embeddingDimensions <= 0 {
		return nil, errors.New("EMBEDDING_DIMENSIONS must be a positive integer")
	}

	adjudicateMaxRetries := getEnvAsInt("ADJUDICATE_MAX_RETRIES", 3)
	if adjudicateMaxRetries < 0 {
		return nil, errors.New("ADJUDICATE_MAX_RETRIES must not be negative")
	}

	adjudicateConcurrency := getEnvAsInt("ADJUDICATE_CONCURRENCY", 5)
	if adjudicateConcurrency <= 0 {
		return nil, errors.New("ADJUDICATE_CONCURRENCY must be a positive integer")
	}

	matchMaxConcurrent := getEnvAsInt("MATCH_MAX_CONCURRENT", 8)
	if matchMaxConcurrent <= 0 {
		return nil, errors.New("MATCH_MAX_CONCURRENT must be a positive integer")
	}

	overRetrievalFactor := getEnvAsInt("OVER_RETRIEVAL_FACTOR", 3)
	if overRetrievalFactor <= 0 {
		return nil, errors.New("OVER_RETRIEVAL_FACTOR must be a positive integer")
	}

	maxFailureFraction := getEnvAsFloat("INDEX_MAX_FAILURE_FRACTION", 0.1)
	if maxFailureFraction < 0 || maxFailureFraction >= 1 {
		return nil, fmt.Errorf("INDEX_MAX_FAILURE_FRACTION must be in [0,1), got %v", maxFailureFraction)
	}

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		APIKey:   apiKey,
		LogLevel: getEnv("LOG_LEVEL", "info"),

		MaxRequestBodyBytes: int64(getEnvAsInt("MAX_REQUEST_BODY_BYTES", 65536)),

		EmbeddingProvider:   getEnv("EMBEDDING_PROVIDER", "openai"),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", ""),
		EmbeddingAPIKey:     getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingDimensions: embeddingDimensions,
		OllamaBaseURL:       getEnv("OLLAMA_BASE_URL", "http://localhost:11434/api"),

		ReasoningModel:        getEnv("REASONING_MODEL", "gemini-2.5-flash"),
		ReasoningAPIKey:       getEnv("REASONING_API_KEY", ""),
		AdjudicateTimeout:     getEnvAsDuration("ADJUDICATE_TIMEOUT", 10*time.Second),
		AdjudicateMaxRetries:  adjudicateMaxRetries,
		AdjudicateConcurrency: adjudicateConcurrency,

		MatchDeadline:       getEnvAsDuration("MATCH_DEADLINE", 20*time.Second),
		MatchMaxConcurrent:  matchMaxConcurrent,
		OverRetrievalFactor: overRetrievalFactor,
		VerdictCacheSize:    getEnvAsInt("VERDICT_CACHE_SIZE", 10000),
		VerdictCacheTTL:     getEnvAsDuration("VERDICT_CACHE_TTL", 24*time.Hour),
		QueryCacheSize:      getEnvAsInt("QUERY_CACHE_SIZE", 1000),

		IndexNlist:              getEnvAsInt("INDEX_NLIST", 0),
		IndexNprobe:             getEnvAsInt("INDEX_NPROBE", 8),
		IndexMaxFailureFraction: maxFailureFraction,
		IndexBuildWorkers:       getEnvAsInt("INDEX_BUILD_WORKERS", runtime.NumCPU()),

		CorpusDir: getEnv("CORPUS_DIR", "./data/corpus"),

		CtgovBaseURL:    getEnv("CTGOV_BASE_URL", "https://clinicaltrials.gov/api/v2"),
		CtgovQuery:      getEnv("CTGOV_QUERY", "endometriosis"),
		CtgovPageSize:   getEnvAsInt("CTGOV_PAGE_SIZE", 100),
		CtgovMaxStudies: getEnvAsInt("CTGOV_MAX_STUDIES", 1000),
		CtgovRateLimit:  getEnvAsFloat("CTGOV_RATE_LIMIT", 3),
		CtgovUSOnly:     getEnvAsBool("CTGOV_US_ONLY", true),

		OtelMetricsExporter: getEnv("OTEL_METRICS_EXPORTER", "prometheus"),
		OtelTracesExporter:  getEnv("OTEL_TRACES_EXPORTER", ""),
	}

	return cfg, nil
}
