package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ksuzuki/vaultsearch/internal/api"
	"github.com/ksuzuki/vaultsearch/internal/api/middleware"
	"github.com/ksuzuki/vaultsearch/internal/cache"
	"github.com/ksuzuki/vaultsearch/internal/config"
	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/index"
	"github.com/ksuzuki/vaultsearch/internal/logger"
	"github.com/ksuzuki/vaultsearch/internal/repository"
	"github.com/ksuzuki/vaultsearch/internal/service"
	"github.com/ksuzuki/vaultsearch/internal/storage"
	"github.com/ksuzuki/vaultsearch/internal/vault"
	"github.com/ksuzuki/vaultsearch/internal/vault/localdir"
)

var version = "dev"

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      "json",
		ServiceName: "vaultsearch-api",
	})
	logger.SetDefaultLogger(log)
	defer logger.Sync()

	ctx := context.Background()

	// Database and repositories
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}
	fileRepo := repository.NewFileRepository(db)
	jobRepo := repository.NewJobRepository(db)

	qdrantRepo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
		Host:            cfg.Qdrant.Host,
		Port:            cfg.Qdrant.Port,
		Collection:      cfg.Qdrant.Collection,
		APIKey:          cfg.Qdrant.APIKey,
		UseTLS:          cfg.Qdrant.UseTLS,
		VectorDimension: cfg.Embedding.Dimensions,
	})
	if err != nil {
		logger.Fatal("Failed to initialize Qdrant repository: %v", err)
	}
	defer qdrantRepo.Close()
	if err := qdrantRepo.EnsureCollection(ctx); err != nil {
		logger.Fatal("Failed to ensure Qdrant collection: %v", err)
	}

	// Artifact storage
	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		logger.Fatal("Failed to ensure storage bucket: %v", err)
	}

	// Vault transport
	connector := newConnector(&cfg.Vault)

	// Caches
	queryCache, err := cache.NewQueryCache(0, cfg.Cache.QueryTTL)
	if err != nil {
		logger.Fatal("Failed to create query cache: %v", err)
	}
	defer queryCache.Close()

	metadataCache, err := cache.NewMetadataCache(cache.MetadataCacheConfig{
		FastTTL:     cfg.Cache.MetadataFastTTL,
		DurableTTL:  cfg.Cache.MetadataDurableTTL,
		DurablePath: cfg.Cache.BadgerPath,
		InMemory:    cfg.Cache.InMemory,
	})
	if err != nil {
		logger.Fatal("Failed to open metadata cache: %v", err)
	}
	defer metadataCache.Close()

	// Pipeline services
	encoder := service.NewRemoteVisualEncoder(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	extractor := service.NewPlainTextExtractor(cfg.Sync.MaxTextRunes)
	engine := index.NewCompositeEngine(fileRepo, qdrantRepo)

	dispatcher := service.NewDispatcher(extractor, encoder, objectStorage, service.DispatcherConfig{
		TextWorkers:    cfg.Sync.TextWorkers,
		VisualWorkers:  cfg.Sync.VisualWorkers,
		QueueSize:      cfg.Sync.QueueSize,
		RetryCount:     cfg.Sync.RetryCount,
		RetryBaseDelay: cfg.Sync.RetryBaseDelay,
		DrainGrace:     cfg.Sync.CancelGrace,
	})
	indexer := service.NewBulkIndexer(engine, service.BulkIndexerConfig{
		BatchSize:  cfg.Sync.BatchSize,
		Workers:    cfg.Sync.IndexWorkers,
		RetryCount: cfg.Sync.RetryCount,
	})

	var base service.Notifier = service.LogNotifier{}
	if cfg.Notify.WebhookURL != "" {
		base = service.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Retries, cfg.Notify.RetryDelay)
	}
	// Cached search results go stale the moment a cycle commits.
	notifier := service.NotifierFunc(func(ctx context.Context, summary *domain.JobSummary) error {
		queryCache.Invalidate()
		return base.Notify(ctx, summary)
	})
	orchestrator := service.NewOrchestrator(connector, service.NewChangeDetector(), dispatcher, indexer, fileRepo, jobRepo, notifier, service.OrchestratorConfig{
		SessionTimeout:  cfg.Vault.SessionTimeout,
		MaxFailureRatio: cfg.Sync.MaxFailureRatio,
	})

	searchService := service.NewSearchService(engine, encoder, queryCache, service.SearchConfig{
		FusionWeight: cfg.Search.FusionWeight,
		ScoreFloor:   cfg.Search.ScoreFloor,
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
	})

	router := api.SetupRouter(api.RouterDeps{
		Search:       searchService,
		Orchestrator: orchestrator,
		Files:        fileRepo,
		Jobs:         jobRepo,
		Metadata:     metadataCache,
		Store:        objectStorage,
		Version:      version,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
	}, cfg.Server.Mode)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Server starting on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	orchestrator.Cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown: %v", err)
	}
	logger.Info("Server exited")
}

func newConnector(cfg *config.VaultConfig) vault.Connector {
	// Only the local-directory adapter ships today; the Connector seam is
	// where remote transports plug in.
	return localdir.NewConnector(cfg.RootPath)
}
