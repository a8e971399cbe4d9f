package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ksuzuki/vaultsearch/internal/config"
	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/index"
	"github.com/ksuzuki/vaultsearch/internal/logger"
	"github.com/ksuzuki/vaultsearch/internal/repository"
	"github.com/ksuzuki/vaultsearch/internal/service"
	"github.com/ksuzuki/vaultsearch/internal/storage"
	"github.com/ksuzuki/vaultsearch/internal/vault/localdir"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: ./configs/config.yaml)")
		vaultRoot  = flag.String("vault", "", "override vault root path")
		timeout    = flag.Duration("timeout", 30*time.Minute, "overall cycle timeout")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *vaultRoot != "" {
		cfg.Vault.RootPath = *vaultRoot
	}

	log := logger.New(&logger.Config{
		Level:       *logLevel,
		Format:      "text",
		ServiceName: "vaultsearch-sync",
	})
	logger.SetDefaultLogger(log)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

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

	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		logger.Fatal("Failed to ensure storage bucket: %v", err)
	}

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

	var notifier service.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = service.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Retries, cfg.Notify.RetryDelay)
	}
	orchestrator := service.NewOrchestrator(
		localdir.NewConnector(cfg.Vault.RootPath),
		service.NewChangeDetector(),
		dispatcher,
		indexer,
		fileRepo,
		jobRepo,
		notifier,
		service.OrchestratorConfig{
			SessionTimeout:  cfg.Vault.SessionTimeout,
			MaxFailureRatio: cfg.Sync.MaxFailureRatio,
		},
	)

	// Propagate interrupt as cycle cancellation so the vault session is
	// closed cleanly.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Warn("Interrupt received, cancelling cycle")
		orchestrator.Cancel()
	}()

	job, err := orchestrator.RunCycle(ctx)
	if err != nil {
		logger.Fatal("Cycle failed to start: %v", err)
	}

	fmt.Printf("\nSynchronization cycle %s finished\n", job.ID)
	fmt.Printf("  State:      %s\n", job.State)
	fmt.Printf("  Discovered: %d\n", job.Discovered)
	fmt.Printf("  Processed:  %d\n", job.Processed)
	fmt.Printf("  Failed:     %d\n", job.Failed)
	fmt.Printf("  Deleted:    %d\n", job.Deleted)
	fmt.Printf("  Duration:   %s\n", job.Duration().Round(time.Millisecond))
	if job.FailureReason != "" {
		fmt.Printf("  Reason:     %s\n", job.FailureReason)
	}
	if job.State == domain.JobStateFailed {
		os.Exit(1)
	}
}
