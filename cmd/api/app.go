package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/endomatch/trialmatch/internal/api/handlers"
	"github.com/endomatch/trialmatch/internal/api/middleware"
	"github.com/endomatch/trialmatch/internal/config"
	"github.com/endomatch/trialmatch/internal/corpus"
	"github.com/endomatch/trialmatch/internal/encoder"
	"github.com/endomatch/trialmatch/internal/googleai"
	"github.com/endomatch/trialmatch/internal/index"
	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/internal/observability"
	"github.com/endomatch/trialmatch/internal/ollama"
	"github.com/endomatch/trialmatch/internal/openai"
	"github.com/endomatch/trialmatch/internal/retry"
	"github.com/endomatch/trialmatch/internal/service"
	"github.com/endomatch/trialmatch/pkg/cache"
)

// App holds all server dependencies and coordinates startup and shutdown.
type App struct {
	cfg            *config.Config
	store          *corpus.Store
	builder        *index.Builder
	server         *http.Server
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

var errUnsupportedEmbeddingProvider = errors.New("unsupported embedding provider")

const (
	embeddingProviderOpenAI = "openai"
	embeddingProviderGoogle = "google"
	embeddingProviderOllama = "ollama"
)

// Backoff bounds for adjudication retries; the retry count comes from config.
const (
	adjudicateInitialBackoff = 2 * time.Second
	adjudicateMaxBackoff     = 10 * time.Second
)

// newEmbeddingClient builds the provider client named by EMBEDDING_PROVIDER.
// Model is optional (each provider has a default); the key requirements differ
// per provider, so a missing key surfaces on the first call, not here.
func newEmbeddingClient(ctx context.Context, cfg *config.Config) (encoder.Client, error) {
	switch cfg.EmbeddingProvider {
	case embeddingProviderOpenAI:
		opts := []openai.ClientOption{openai.WithDimensions(cfg.EmbeddingDimensions)}
		if cfg.EmbeddingModel != "" {
			opts = append(opts, openai.WithModel(cfg.EmbeddingModel))
		}

		return openai.NewClient(cfg.EmbeddingAPIKey, opts...), nil
	case embeddingProviderGoogle:
		opts := []googleai.ClientOption{googleai.WithDimensions(cfg.EmbeddingDimensions)}
		if cfg.EmbeddingModel != "" {
			opts = append(opts, googleai.WithModel(cfg.EmbeddingModel))
		}

		client, err := googleai.NewClient(ctx, cfg.EmbeddingAPIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create google embedding client: %w", err)
		}

		return client, nil
	case embeddingProviderOllama:
		opts := []ollama.ClientOption{ollama.WithBaseURL(cfg.OllamaBaseURL)}
		if cfg.EmbeddingModel != "" {
			opts = append(opts, ollama.WithModel(cfg.EmbeddingModel))
		}

		return ollama.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEmbeddingProvider, cfg.EmbeddingProvider)
	}
}

// setupMetrics creates a meter provider and the trialmatch metric collectors.
// When the configured exporter is empty or unknown, all returns are nil
// (metrics disabled). The handler is non-nil only for the prometheus exporter
// and serves GET /metrics.
func setupMetrics(cfg *config.Config) (*sdkmetric.MeterProvider, http.Handler, *observability.Metrics, error) {
	mp, promHandler, err := observability.NewMeterProvider(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create meter provider: %w", err)
	}

	if mp == nil {
		return nil, nil, nil, nil
	}

	metrics, err := observability.NewMetrics(observability.Meter(mp))
	if err != nil {
		if err2 := observability.ShutdownMeterProvider(context.Background(), mp); err2 != nil {
			slog.Error("shutdown meter provider after metrics error", "error", err2)
		}

		return nil, nil, nil, fmt.Errorf("create metrics: %w", err)
	}

	return mp, promHandler, metrics, nil
}

// shutdownInit releases whatever NewApp had already acquired when a later
// step fails. Everything may be nil.
func shutdownInit(store *corpus.Store, builder *index.Builder, tracer *sdktrace.TracerProvider, meter *sdkmetric.MeterProvider) {
	if builder != nil {
		builder.Release()
	}

	if store != nil {
		if err := store.Close(); err != nil {
			slog.Error("close corpus store during startup failure", "error", err)
		}
	}

	if err := shutdownObservability(context.Background(), tracer, meter); err != nil {
		slog.Error("shutdown observability during startup failure", "error", err)
	}
}

// NewApp builds and wires all components, including the initial index build
// from the corpus store. It does not start the HTTP server; call Run to start
// and block until shutdown or failure.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	var (
		err           error
		meterProvider *sdkmetric.MeterProvider
		promHandler   http.Handler
		metrics       *observability.Metrics
	)

	if cfg.OtelMetricsExporter == "" {
		slog.Warn("metrics not enabled (OTEL_METRICS_EXPORTER empty or unset)")
	} else {
		meterProvider, promHandler, metrics, err = setupMetrics(cfg)
		if err != nil {
			return nil, err
		}
	}

	var tracerProvider *sdktrace.TracerProvider

	if cfg.OtelTracesExporter == "" {
		slog.Info("tracing not enabled (OTEL_TRACES_EXPORTER empty or unset)")
	} else {
		tracerProvider, err = observability.NewTracerProvider(cfg)
		if err != nil {
			shutdownInit(nil, nil, nil, meterProvider)

			return nil, fmt.Errorf("create tracer provider: %w", err)
		}
	}

	// Install TraceContextHandler unconditionally so request_id (and
	// trace_id/span_id when tracing is on) appear in logs.
	slog.SetDefault(slog.New(observability.NewTraceContextHandler(slog.Default().Handler())))

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
	}

	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	embeddingClient, err := newEmbeddingClient(ctx, cfg)
	if err != nil {
		shutdownInit(nil, nil, tracerProvider, meterProvider)

		return nil, err
	}

	enc := encoder.New(cfg.EmbeddingProvider, embeddingClient, cfg.EmbeddingDimensions)
	slog.Info("embedding encoder ready", "encoder_version", enc.Version())

	store, err := corpus.Open(cfg.CorpusDir, corpus.WithLogger(slog.Default()))
	if err != nil {
		shutdownInit(nil, nil, tracerProvider, meterProvider)

		return nil, fmt.Errorf("open corpus store: %w", err)
	}

	var indexMetrics observability.IndexMetrics
	if metrics != nil {
		indexMetrics = metrics.Index
	}

	builder, err := index.NewBuilder(index.BuilderParams{
		Encoder:            enc,
		NList:              cfg.IndexNlist,
		NProbe:             cfg.IndexNprobe,
		MaxFailureFraction: cfg.IndexMaxFailureFraction,
		Workers:            cfg.IndexBuildWorkers,
		Metrics:            indexMetrics,
		Logger:             slog.Default(),
	})
	if err != nil {
		shutdownInit(store, nil, tracerProvider, meterProvider)

		return nil, fmt.Errorf("create index builder: %w", err)
	}

	manager := index.NewManager(indexMetrics)

	if err := buildInitialIndex(ctx, store, builder, manager); err != nil {
		shutdownInit(store, builder, tracerProvider, meterProvider)

		return nil, err
	}

	var (
		cacheMetrics observability.CacheMetrics
		matchMetrics observability.MatchMetrics
		adjMetrics   observability.AdjudicationMetrics
		apiMetrics   observability.APIMetrics
	)
	if metrics != nil {
		cacheMetrics = metrics.Cache
		matchMetrics = metrics.Match
		adjMetrics = metrics.Adjudication
		apiMetrics = metrics.API
	}

	// QUERY_CACHE_SIZE 0 turns the query embedding cache off.
	var queryCache *cache.LoaderCache[[]float32]
	if cfg.QueryCacheSize > 0 {
		queryCache, err = cache.NewLoaderCache[[]float32](cfg.QueryCacheSize)
		if err != nil {
			shutdownInit(store, builder, tracerProvider, meterProvider)

			return nil, fmt.Errorf("create query cache: %w", err)
		}
	}

	retriever := service.NewRetriever(service.RetrieverParams{
		Encoder:      enc,
		Index:        manager,
		QueryCache:   queryCache,
		CacheMetrics: cacheMetrics,
		Logger:       slog.Default(),
	})

	reasoner, err := googleai.NewReasoner(ctx, cfg.ReasoningAPIKey,
		googleai.WithReasoningModel(cfg.ReasoningModel),
	)
	if err != nil {
		shutdownInit(store, builder, tracerProvider, meterProvider)

		return nil, fmt.Errorf("create reasoner: %w", err)
	}

	// VERDICT_CACHE_SIZE 0 turns the verdict cache off.
	var verdictCache *expirable.LRU[string, models.Verdict]
	if cfg.VerdictCacheSize > 0 {
		verdictCache = expirable.NewLRU[string, models.Verdict](cfg.VerdictCacheSize, nil, cfg.VerdictCacheTTL)
	}

	adjudicator := service.NewAdjudicator(service.AdjudicatorParams{
		Reasoner:     reasoner,
		Cache:        verdictCache,
		Policy:       retry.NewPolicy(cfg.AdjudicateMaxRetries, adjudicateInitialBackoff, adjudicateMaxBackoff),
		CallTimeout:  cfg.AdjudicateTimeout,
		Metrics:      adjMetrics,
		CacheMetrics: cacheMetrics,
		Logger:       slog.Default(),
	})

	matchService := service.NewMatchService(service.MatchServiceParams{
		Retriever:             retriever,
		Adjudicator:           adjudicator,
		MaxConcurrentMatches:  cfg.MatchMaxConcurrent,
		AdjudicateConcurrency: cfg.AdjudicateConcurrency,
		MatchDeadline:         cfg.MatchDeadline,
		OverRetrievalFactor:   cfg.OverRetrievalFactor,
		Metrics:               matchMetrics,
		Logger:                slog.Default(),
	})

	rebuildService := service.NewRebuildService(service.RebuildServiceParams{
		Store:   store,
		Builder: builder,
		Swapper: manager,
		Logger:  slog.Default(),
	})

	server := newHTTPServer(cfg, serverDeps{
		match:          handlers.NewMatchHandler(matchService),
		trials:         handlers.NewTrialsHandler(manager),
		index:          handlers.NewIndexHandler(manager, rebuildService),
		health:         handlers.NewHealthHandler(),
		promHandler:    promHandler,
		apiMetrics:     apiMetrics,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
	})

	return &App{
		cfg:            cfg,
		store:          store,
		builder:        builder,
		server:         server,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
	}, nil
}

// buildInitialIndex builds and swaps in a snapshot from the stored corpus. An
// empty corpus is not an error: the API starts serving 503s on /v1/match until
// the indexer has run and an admin reindex installs the first snapshot.
func buildInitialIndex(ctx context.Context, store *corpus.Store, builder *index.Builder, manager *index.Manager) error {
	records, err := store.ListTrials()
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}

	if len(records) == 0 {
		slog.Warn("corpus store is empty, index stays uninitialized until reindex")

		return nil
	}

	snapshot, err := builder.Build(ctx, records)
	if err != nil {
		return fmt.Errorf("build initial index: %w", err)
	}

	manager.Swap(snapshot)

	slog.Info("initial index built",
		"trials", snapshot.Size(),
		"encoder_version", snapshot.EncoderVersion(),
	)

	return nil
}

// serverDeps collects what newHTTPServer wires into the mux.
type serverDeps struct {
	match          *handlers.MatchHandler
	trials         *handlers.TrialsHandler
	index          *handlers.IndexHandler
	health         *handlers.HealthHandler
	promHandler    http.Handler
	apiMetrics     observability.APIMetrics
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

// newHTTPServer builds the HTTP server and muxes (no auth on /health and
// /metrics, API key on /v1/). Handler chain outside-in:
// RequestID -> otelhttp (when tracing) -> Metrics -> Logging -> mux, with
// Auth -> MaxBody on the /v1/ subtree only.
func newHTTPServer(cfg *config.Config, deps serverDeps) *http.Server {
	public := http.NewServeMux()
	public.HandleFunc("GET /health", deps.health.Check)

	if deps.promHandler != nil {
		public.Handle("GET /metrics", deps.promHandler)
	}

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/match", deps.match.Match)
	protected.HandleFunc("GET /v1/trials/{nctId}", deps.trials.Get)
	protected.HandleFunc("GET /v1/index/stats", deps.index.Stats)
	protected.HandleFunc("POST /v1/admin/reindex", deps.index.Reindex)

	protectedHandler := middleware.MaxBody(cfg.MaxRequestBodyBytes, deps.apiMetrics)(protected)
	protectedHandler = middleware.Auth(cfg.APIKey)(protectedHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedHandler)
	mux.Handle("/", public)

	// Logging runs inside otelhttp so access logs carry trace_id/span_id.
	var handler http.Handler = middleware.Logging(slog.Default())(mux)
	handler = middleware.Metrics(deps.apiMetrics)(handler)

	if deps.tracerProvider != nil {
		otelOpts := []otelhttp.Option{
			// Health and metrics scrapes would drown real traffic in traces.
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/metrics"
			}),
			otelhttp.WithTracerProvider(deps.tracerProvider),
		}
		if deps.meterProvider != nil {
			otelOpts = append(otelOpts, otelhttp.WithMeterProvider(deps.meterProvider))
		}

		handler = otelhttp.NewHandler(handler, "trialmatch-api", otelOpts...)
	}

	handler = middleware.RequestID(handler)

	const (
		readTimeout  = 15 * time.Second
		writeTimeout = 30 * time.Second
		idleTimeout  = 60 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled (e.g. signal)
// or the server fails. Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	runErr := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "port", a.cfg.Port)

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case runErr <- fmt.Errorf("server: %w", err):
			default:
			}
		}
	}()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

// shutdownObservability shuts down tracer and meter providers. Logs secondary
// errors, returns the first.
func shutdownObservability(ctx context.Context, tracer *sdktrace.TracerProvider, meter *sdkmetric.MeterProvider) error {
	var first error

	if tracer != nil {
		if err := observability.ShutdownTracerProvider(ctx, tracer); err != nil {
			first = err
		}
	}

	if meter != nil {
		if err := observability.ShutdownMeterProvider(ctx, meter); err != nil {
			if first == nil {
				first = err
			} else {
				slog.Error("shutdown meter provider", "error", err)
			}
		}
	}

	return first
}

// Shutdown stops the server, then releases the index builder and the corpus
// store. Observability goes down last so the shutdown itself is still
// recorded; its error is returned only when everything else shut down cleanly.
func (a *App) Shutdown(ctx context.Context) (err error) {
	defer func() {
		obsErr := shutdownObservability(ctx, a.tracerProvider, a.meterProvider)
		if err == nil {
			err = obsErr
		} else if obsErr != nil {
			slog.Error("shutdown observability", "error", obsErr)
		}
	}()

	serverErr := a.server.Shutdown(ctx)

	a.builder.Release()

	if closeErr := a.store.Close(); closeErr != nil {
		slog.Error("close corpus store", "error", closeErr)

		if serverErr == nil {
			serverErr = closeErr
		}
	}

	if serverErr != nil {
		return fmt.Errorf("shutdown: %w", serverErr)
	}

	return nil
}
