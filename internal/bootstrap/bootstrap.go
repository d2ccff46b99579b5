package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-intelligence/internal/config"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
	"github.com/kirillkom/document-intelligence/internal/core/stage"
	"github.com/kirillkom/document-intelligence/internal/core/usecase"
	redisevents "github.com/kirillkom/document-intelligence/internal/infrastructure/events/redis"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/extractor/docparse"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/ner/httpner"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/ocr/vision"
	memoryqueue "github.com/kirillkom/document-intelligence/internal/infrastructure/queue/memory"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/queue/nats"
	memoryrepo "github.com/kirillkom/document-intelligence/internal/infrastructure/repository/memory"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/resilience"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/storage/gcs"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/document-intelligence/internal/observability/metrics"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
	BackendLocalFS  = "localfs"
	BackendGCS      = "gcs"

	memoryQueueBuffer = 1024
	ackWaitMargin     = 30 * time.Second
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Repo    ports.DocumentRepository
	Queue   ports.TaskQueue
	Storage ports.ObjectStorage

	IngestUC   ports.DocumentIngestor
	ManageUC   *usecase.ManageDocumentUseCase
	ProcessUC  ports.DocumentProcessor
	Dispatcher *usecase.Dispatcher
	Recovery   *usecase.RecoveryUseCase

	WorkerMetrics *metrics.WorkerMetrics

	closers []func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	executor := resilience.NewExecutor(resilienceConfig(cfg), logger)

	if app.Repo, err = app.openRepository(ctx, cfg); err != nil {
		return nil, err
	}
	if app.Storage, err = app.openStorage(ctx, cfg); err != nil {
		return nil, err
	}
	if app.Queue, err = app.openQueue(ctx, cfg, executor, logger); err != nil {
		return nil, err
	}
	events, err := app.openEvents(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ocr, err := app.openOCR(ctx, cfg, executor)
	if err != nil {
		return nil, err
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, ollama.Options{
		Timeout:  time.Duration(cfg.OllamaTimeoutSeconds) * time.Second,
		Executor: executor,
		Logger:   logger,
	})
	recognizer := httpner.New(cfg.NERURL, httpner.Options{
		Token:    cfg.NERToken,
		Timeout:  time.Duration(cfg.NERTimeoutSeconds) * time.Second,
		Executor: executor,
	})
	stages := stage.NewSet(
		docparse.NewExtractor(app.Storage, ocr, logger),
		ollama.NewClassifier(ollamaClient),
		recognizer,
		ollama.NewSummarizer(ollamaClient),
		stage.EntityPolicy{MaxChars: cfg.EntityMaxChars, MinChars: cfg.EntityMinChars},
	)

	app.WorkerMetrics = metrics.NewWorkerMetrics("worker")

	app.IngestUC = usecase.NewIngestDocumentUseCase(app.Repo, app.Storage, app.Queue, events, usecase.UploadPolicy{
		MaxBytes:          int64(cfg.MaxUploadMB) << 20,
		AllowedExtensions: cfg.UploadExtensions(),
		DefaultTenantID:   cfg.DefaultTenantID,
	}, logger)
	app.ManageUC = usecase.NewManageDocumentUseCase(app.Repo, app.Storage, app.Queue, events, logger)

	processUC := usecase.NewProcessDocumentUseCase(app.Repo, stages, events, usecase.ProcessOptions{
		RunTimeout: cfg.RunTimeout(),
		Retry: usecase.RetryPolicy{
			MaxRetries: cfg.RetryMax,
			BaseDelay:  cfg.RetryBaseDelay(),
		},
		Observer: app.WorkerMetrics,
		Logger:   logger,
	})
	app.ProcessUC = processUC
	app.Dispatcher = usecase.NewDispatcher(app.Queue, processUC, usecase.DispatcherOptions{
		Concurrency: cfg.WorkerConcurrency,
		Observer:    app.WorkerMetrics,
		Logger:      logger,
	})
	app.Recovery = usecase.NewRecoveryUseCase(app.Repo, app.Queue, usecase.RecoveryOptions{
		StaleAfter: cfg.RecoveryStaleAfter(),
		Observer:   app.WorkerMetrics,
		Logger:     logger,
	})

	logger.Info("bootstrap_completed",
		"repository_backend", cfg.RepositoryBackend,
		"queue_backend", cfg.QueueBackend,
		"storage_backend", cfg.StorageBackend,
		"status_events", events != nil,
		"ocr_enabled", ocr != nil,
	)
	return app, nil
}

func (a *App) openRepository(ctx context.Context, cfg config.Config) (ports.DocumentRepository, error) {
	switch cfg.RepositoryBackend {
	case BackendMemory:
		return memoryrepo.NewDocumentRepository(), nil
	case BackendPostgres, "":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })

		repo := postgres.NewDocumentRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown repository backend %q", cfg.RepositoryBackend)
	}
}

func (a *App) openStorage(ctx context.Context, cfg config.Config) (ports.ObjectStorage, error) {
	switch cfg.StorageBackend {
	case BackendGCS:
		storage, err := gcs.New(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, func() { _ = storage.Close() })
		return storage, nil
	case BackendLocalFS, "":
		storage, err := localfs.New(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func (a *App) openQueue(ctx context.Context, cfg config.Config, executor *resilience.Executor, logger *slog.Logger) (ports.TaskQueue, error) {
	switch cfg.QueueBackend {
	case BackendMemory:
		queue := memoryqueue.New(memoryQueueBuffer)
		a.closers = append(a.closers, queue.Close)
		return queue, nil
	case BackendNATS, "":
		queue, err := nats.New(ctx, cfg.NATSURL, cfg.NATSSubject, nats.Options{
			Stream:             cfg.NATSStream,
			Durable:            cfg.NATSDurable,
			AckWait:            cfg.RunTimeout() + ackWaitMargin,
			MaxAckPending:      max(cfg.WorkerConcurrency, 1) * 4,
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init task queue: %w", err)
		}
		a.closers = append(a.closers, queue.Close)
		return queue, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// openEvents returns a nil publisher when REDIS_ADDR is unset.
func (a *App) openEvents(ctx context.Context, cfg config.Config) (ports.StatusPublisher, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	publisher, err := redisevents.New(ctx, cfg.RedisAddr, cfg.RedisChannel)
	if err != nil {
		return nil, fmt.Errorf("init status events: %w", err)
	}
	a.closers = append(a.closers, func() { _ = publisher.Close() })
	return publisher, nil
}

// openOCR returns a nil recognizer unless OCR_BACKEND is vision. Image
// uploads are refused in that case.
func (a *App) openOCR(ctx context.Context, cfg config.Config, executor *resilience.Executor) (docparse.TextRecognizer, error) {
	if !cfg.OCREnabled() {
		return nil, nil
	}
	recognizer, err := vision.New(ctx, vision.Options{
		CredentialsFile: cfg.OCRCredentialsFile,
		Timeout:         cfg.OCRTimeout(),
		LanguageHints:   cfg.OCRLanguages(),
		Executor:        executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init ocr: %w", err)
	}
	a.closers = append(a.closers, func() { _ = recognizer.Close() })
	return recognizer, nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:    cfg.ResilienceRetryMaxAttempts,
		RetryInitialBackoff: time.Duration(cfg.ResilienceRetryInitialBackoffMS) * time.Millisecond,
		RetryMaxBackoff:     time.Duration(cfg.ResilienceRetryMaxBackoffMS) * time.Millisecond,

		BreakerEnabled:      cfg.ResilienceBreakerEnabled,
		BreakerMinRequests:  uint32(max(cfg.ResilienceBreakerMinRequests, 0)),
		BreakerFailureRatio: cfg.ResilienceBreakerFailureRatio,
		BreakerOpenTimeout:  time.Duration(cfg.ResilienceBreakerOpenTimeoutMS) * time.Millisecond,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
