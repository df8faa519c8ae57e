package main

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/edbinder/binder/internal/config"
	"github.com/edbinder/binder/internal/home"
	"github.com/edbinder/binder/internal/ingest"
	"github.com/edbinder/binder/internal/jobs"
	"github.com/edbinder/binder/internal/logging"
	"github.com/edbinder/binder/internal/pipeline"
	"github.com/edbinder/binder/internal/providers"
	"github.com/edbinder/binder/internal/redact"
	"github.com/edbinder/binder/internal/store"
)

// services is the wired-up application: storage, providers, workers,
// scheduler and the ingress handler, built once per command.
type services struct {
	home      *home.Dir
	cfgMgr    *config.Manager
	logger    *slog.Logger
	db        *sql.DB
	store     *store.Service
	scheduler *jobs.Scheduler
	ingress   *ingest.Handler
}

// buildServices constructs everything a command needs. Workers are
// registered but not started; callers call s.scheduler.Start.
func buildServices(ctx context.Context) (*services, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := logging.New(logging.Options{Level: level, Dir: h.LogsPath(), JSON: logJSON})
	slog.SetDefault(logger)

	file := cfgFile
	if file == "" && h.ConfigExists() {
		file = h.ConfigPath()
	}
	cfgMgr, err := config.NewManager(file)
	if err != nil {
		return nil, err
	}
	cfg := cfgMgr.Get()

	var resolver config.Resolver = config.EnvResolver{}
	if cfg.SecretDir != "" {
		resolver = config.FileResolver{Dir: cfg.SecretDir}
	}
	registry, err := providers.NewRegistry(cfg, config.NewSecrets(resolver))
	if err != nil {
		return nil, err
	}

	db, err := store.OpenDB(h.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, db, cfg.Storage.DocumentsTable, cfg.Storage.ProfilesTable); err != nil {
		db.Close()
		return nil, err
	}
	meta := store.NewMeta(db, cfg.Storage.DocumentsTable, cfg.Storage.ProfilesTable)
	blobs := store.NewBlobs(h.BlobsPath())
	svc := store.NewService(meta, blobs, cfg.Storage.Bucket, logger)

	manager, err := jobs.NewManager(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	scheduler := jobs.NewScheduler(jobs.SchedulerConfig{
		Logger:        logger,
		Manager:       manager,
		ResultsBuffer: cfg.Pipeline.QueueSize,
	})

	llmWorker, err := jobs.NewWorker(jobs.WorkerConfig{
		Name:        "llm",
		Logger:      logger,
		LLMClient:   registry.LLM,
		Concurrency: cfg.LLM.Workers,
		QueueSize:   cfg.Pipeline.QueueSize,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	ocrWorker, err := jobs.NewWorker(jobs.WorkerConfig{
		Name:        "ocr",
		Logger:      logger,
		OCRProvider: registry.OCR,
		QueueSize:   cfg.Pipeline.QueueSize,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	detectWorker, err := jobs.NewWorker(jobs.WorkerConfig{
		Name:        "pii",
		Logger:      logger,
		Redactor:    redact.New(registry.Detector, cfg.PII.AllowedEntityTypes, logger),
		RPS:         cfg.PII.RateLimit,
		Concurrency: cfg.PII.Workers,
		QueueSize:   cfg.Pipeline.QueueSize,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	scheduler.RegisterWorker(llmWorker)
	scheduler.RegisterWorker(ocrWorker)
	scheduler.RegisterWorker(detectWorker)

	pipeCfg := pipeline.Config{
		Store:          svc,
		Logger:         logger,
		LLMProvider:    "llm",
		OCRProvider:    "ocr",
		DetectProvider: "pii",
		MaxUnitRetries: cfg.Pipeline.MaxUnitRetries,
		StepTimeout:    time.Duration(cfg.Pipeline.StepTimeoutSeconds) * time.Second,
	}
	scheduler.RegisterFactory(pipeline.JobType, pipeline.Factory(pipeCfg))

	return &services{
		home:      h,
		cfgMgr:    cfgMgr,
		logger:    logger,
		db:        db,
		store:     svc,
		scheduler: scheduler,
		ingress:   ingest.NewHandler(svc, scheduler, pipeCfg, logger),
	}, nil
}

// Close releases the metadata database.
func (s *services) Close() {
	s.db.Close()
}

// waitForIdle blocks until the scheduler has no tracked jobs or the
// context is cancelled.
func (s *services) waitForIdle(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.scheduler.ActiveJobs() == 0 {
				return nil
			}
		}
	}
}
