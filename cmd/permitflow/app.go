package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/custodia-labs/permitflow/internal/adapters/driven/ai"
	"github.com/custodia-labs/permitflow/internal/adapters/driven/auth"
	"github.com/custodia-labs/permitflow/internal/adapters/driven/blob"
	"github.com/custodia-labs/permitflow/internal/adapters/driven/extraction"
	"github.com/custodia-labs/permitflow/internal/adapters/driven/guidelines"
	"github.com/custodia-labs/permitflow/internal/adapters/driven/milvus"
	"github.com/custodia-labs/permitflow/internal/adapters/driven/notify"
	"github.com/custodia-labs/permitflow/internal/adapters/driven/postgres"
	postgresqueue "github.com/custodia-labs/permitflow/internal/adapters/driven/queue/postgres"
	redisqueue "github.com/custodia-labs/permitflow/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/permitflow/internal/adapters/driven/redis"
	"github.com/custodia-labs/permitflow/internal/adapters/driven/vector"
	"github.com/custodia-labs/permitflow/internal/adapters/driving/http"
	"github.com/custodia-labs/permitflow/internal/config"
	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/core/ports/driving"
	"github.com/custodia-labs/permitflow/internal/core/services"
	"github.com/custodia-labs/permitflow/internal/normalisers"
	"github.com/custodia-labs/permitflow/internal/postprocessors"
	"github.com/custodia-labs/permitflow/internal/runtime"
	"github.com/custodia-labs/permitflow/internal/worker"
)

// app holds the wired service graph shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *postgres.DB
	taskQueue driven.TaskQueue
	lock      driven.DistributedLock
	blobs     *blob.Router
	runtime   *runtime.Services

	auth         driving.AuthService
	pipeline     *services.Orchestrator
	guidelines   driving.GuidelineService
	appointments driving.AppointmentService
	dispatcher   *services.NotificationDispatcher
	scheduler    *services.Scheduler

	checks  map[string]http.Pinger
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: slog.Default(),
		checks: make(map[string]http.Pinger),
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	// ===== PostgreSQL =====
	log.Println("Connecting to PostgreSQL...")
	db, err := postgres.Connect(ctx, postgres.Config{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	a.checks["postgres"] = db
	log.Println("PostgreSQL connected and schema initialized")

	// ===== Redis (optional) =====
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		log.Println("Connecting to Redis...")
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		a.closers = append(a.closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Println("Redis connected")
	}

	// ===== Task queue and distributed lock (Redis if available, otherwise PostgreSQL) =====
	queueBackend, lockBackend := "postgres", "postgres"
	if redisClient != nil {
		hostname, _ := os.Hostname()
		q, err := redisqueue.NewQueue(ctx, redisqueue.Config{
			Client:   redisClient,
			Consumer: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
			Prefix:   cfg.RedisPrefix,
			Logger:   a.logger,
		})
		if err != nil {
			return fmt.Errorf("create task queue: %w", err)
		}
		a.taskQueue = q
		a.lock = redisadapter.NewLock(redisClient, redisadapter.WithLockPrefix(cfg.RedisPrefix+":lock:"))
		queueBackend, lockBackend = "redis", "redis"
	} else {
		a.taskQueue = postgresqueue.NewQueue(db.DB)
		a.lock = postgres.NewAdvisoryLock(db)
	}
	a.closers = append(a.closers, a.taskQueue.Close)
	a.checks["queue"] = a.taskQueue
	log.Printf("Using %s task queue and %s distributed lock", queueBackend, lockBackend)

	// ===== Attachment storage =====
	var local driven.BlobStore
	var target driven.BlobWriter
	if cfg.UploadDir != "" {
		fsStore, err := blob.NewFSStore(cfg.UploadDir)
		if err != nil {
			return fmt.Errorf("open upload directory: %w", err)
		}
		local, target = fsStore, fsStore
	}
	var cloud driven.BlobStore
	if cfg.GCSBucket != "" {
		var opts []option.ClientOption
		if cfg.GCSCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		gcs := blob.NewGCSStore(client, cfg.GCSBucket)
		a.closers = append(a.closers, gcs.Close)
		cloud, target = gcs, gcs
		log.Printf("Attachments uploaded to gs://%s", cfg.GCSBucket)
	}
	a.blobs = blob.NewRouter(local, cloud, target)
	a.checks["attachments"] = a.blobs

	// ===== AI services =====
	a.runtime = runtime.NewServices(domain.NewRuntimeConfig(queueBackend, lockBackend))
	a.closers = append(a.closers, a.runtime.Close)
	a.configureAI(ctx)

	// ===== Guideline index =====
	var index driven.GuidelineIndex
	if cfg.MilvusAddress != "" {
		log.Println("Connecting to Milvus...")
		mi, err := milvus.New(ctx, milvus.Config{
			Address:  cfg.MilvusAddress,
			Username: cfg.MilvusUsername,
			Password: cfg.MilvusPassword,
			Database: cfg.MilvusDatabase,
			Logger:   a.logger,
		})
		if err != nil {
			return fmt.Errorf("connect to milvus: %w", err)
		}
		a.closers = append(a.closers, func() error { return mi.Close(context.Background()) })
		a.checks["milvus"] = mi
		index = mi
		log.Println("Milvus connected")
	} else {
		index = vector.New()
		log.Println("Using in-process guideline index")
	}

	registry := normalisers.DefaultRegistry()
	a.guidelines = services.NewGuidelineService(services.GuidelineServiceConfig{
		Source:   guidelines.NewDirSource(cfg.GuidelinesDir, registry, a.logger),
		Index:    index,
		Pipeline: postprocessors.GuidelinePipeline(postprocessors.GuidelineChunkConfig()),
		Services: a.runtime,
		Logger:   a.logger,
	})

	// ===== PostgreSQL stores =====
	submissionStore := postgres.NewSubmissionStore(db)
	recordStore := postgres.NewRecordStore(db)
	slotStore := postgres.NewSlotStore(db)
	schedulerStore := postgres.NewSchedulerStore(db)

	// ===== Notifications =====
	var notifier driven.Notifier
	if redisClient != nil {
		sn, err := redisadapter.NewStreamNotifier(redisadapter.StreamNotifierConfig{
			Client: redisClient,
			Stream: cfg.NotificationStream,
			Logger: a.logger,
		})
		if err != nil {
			return fmt.Errorf("create notifier: %w", err)
		}
		notifier = sn
		log.Printf("Terminal events published to stream %s", cfg.NotificationStream)
	} else {
		notifier = notify.NewLogNotifier(a.logger)
		log.Println("Terminal events written to the log")
	}
	a.dispatcher = services.NewNotificationDispatcher(submissionStore, notifier, a.logger)

	// ===== Services =====
	clients, err := cfg.Clients()
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		log.Println("Warning: no API_CLIENTS configured, token exchange is disabled")
	}
	a.auth = services.NewAuthService(clients, auth.NewAdapter(cfg.JWTSecret), cfg.TokenTTL)

	a.appointments = services.NewAppointmentService(services.AppointmentServiceConfig{
		SlotStore:    slotStore,
		SlotDuration: cfg.SlotDuration,
		SlotCapacity: cfg.SlotCapacity,
		Location:     cfg.SlotLocation,
		Logger:       a.logger,

		ReserveTimeout: cfg.ReserveTimeout,
	})

	classifier, err := services.NewClassifier(services.ClassifierConfig{
		Services:    a.runtime,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	evaluator, err := services.NewComplianceEvaluator(services.ComplianceEvaluatorConfig{
		Services:    a.runtime,
		Retriever:   a.guidelines,
		TopK:        cfg.RetrievalTopK,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout,
		Logger:      a.logger,

		RetrievalTimeout: cfg.RetrievalTimeout,
	})
	if err != nil {
		return fmt.Errorf("create evaluator: %w", err)
	}

	a.pipeline = services.NewOrchestrator(services.OrchestratorConfig{
		SubmissionStore: submissionStore,
		RecordStore:     recordStore,
		OutboxStore:     submissionStore,
		TaskQueue:       a.taskQueue,
		BlobStore:       a.blobs,
		Extractor:       extraction.New(extraction.Config{Registry: registry, Logger: a.logger}),
		Classifier:      classifier,
		Evaluator:       evaluator,
		Appointments:    a.appointments,
		Dispatcher:      a.dispatcher,
		RetryPolicy:     cfg.RetryPolicy(),
		SchedulePolicy: services.SchedulePolicy{
			Lead:         cfg.ScheduleLead,
			Window:       cfg.ScheduleWindow,
			MaxWidenings: cfg.ScheduleMaxWidenings,
		},
		FetchConcurrency: cfg.FetchConcurrency,
		BlobTimeout:      cfg.BlobTimeout,
		Lock:             a.lock,
		Logger:           a.logger,
	})

	// The scheduler backs the schedules command even when this node does
	// not run the polling loop.
	a.scheduler = services.NewScheduler(services.SchedulerConfig{
		Store:        schedulerStore,
		TaskQueue:    a.taskQueue,
		Lock:         a.lock,
		Logger:       a.logger,
		LockRequired: cfg.SchedulerLockRequired,
	})
	if cfg.SchedulerEnabled {
		log.Printf("Scheduler enabled (lock_required=%t)", cfg.SchedulerLockRequired)
	} else {
		log.Println("Scheduler disabled via SCHEDULER_ENABLED=false")
	}

	log.Printf("Runtime config: queue=%s, lock=%s, embedding=%t, llm=%t",
		queueBackend, lockBackend,
		a.runtime.Config().EmbeddingAvailable(),
		a.runtime.Config().LLMAvailable())
	return nil
}

// configureAI installs the reasoning and embedding services that are
// configured and reachable. Missing services leave the pipeline retrying
// the affected stages until they come up.
func (a *app) configureAI(ctx context.Context) {
	factory := ai.NewFactory()

	if settings := a.cfg.ReasoningSettings(); settings.IsConfigured() {
		svc, err := factory.CreateReasoningService(ctx, settings)
		if err == nil {
			err = a.runtime.ValidateAndSetReasoning(ctx, svc)
		}
		if err != nil {
			log.Printf("Warning: reasoning service unavailable: %v", err)
		} else {
			log.Printf("Reasoning service: %s/%s", settings.Provider, settings.Model)
		}
	} else {
		log.Println("Warning: no reasoning service configured")
	}

	if settings := a.cfg.EmbeddingSettings(); settings.IsConfigured() {
		svc, err := factory.CreateEmbeddingService(ctx, settings)
		if err == nil {
			err = a.runtime.ValidateAndSetEmbedding(ctx, svc)
		}
		if err != nil {
			log.Printf("Warning: embedding service unavailable: %v", err)
		} else {
			log.Printf("Embedding service: %s", settings.Model)
		}
	} else {
		log.Println("Warning: no embedding service configured")
	}
}

// loadGuidelinesOnBoot fills the index so evaluation can start. Failures
// are logged; evaluation retries until a corpus is loaded.
func (a *app) loadGuidelinesOnBoot(ctx context.Context) {
	if !a.cfg.GuidelinesLoadOnBoot {
		return
	}
	if !a.runtime.Config().EmbeddingAvailable() {
		log.Println("Warning: skipping guideline load, no embedding service")
		return
	}
	stats, err := a.guidelines.Load(ctx)
	if err != nil {
		log.Printf("Warning: guideline load failed: %v", err)
		return
	}
	log.Printf("Guidelines loaded: %d documents, %d passages", stats.Documents, stats.Passages)
}

func (a *app) runAPI(ctx context.Context) error {
	server := http.NewServer(http.Config{
		Host:           "0.0.0.0",
		Port:           a.cfg.Port,
		Version:        version,
		MaxUploadBytes: a.cfg.MaxUploadBytes,
		AllowedOrigins: a.cfg.CORSAllowedOrigins,
		Logger:         a.logger,
	}, http.Dependencies{
		Auth:         a.auth,
		Pipeline:     a.pipeline,
		Guidelines:   a.guidelines,
		Appointments: a.appointments,
		Attachments:  a.blobs,
		TaskQueue:    a.taskQueue,
		HealthChecks: a.checks,
	})

	log.Printf("API server starting on :%d", a.cfg.Port)
	return server.Start(ctx)
}

// runWorker starts the worker and scheduler and blocks until ctx is done.
func (a *app) runWorker(ctx context.Context) error {
	log.Println("Starting worker mode...")

	var scheduler *services.Scheduler
	if a.cfg.SchedulerEnabled {
		scheduler = a.scheduler
	}

	w := worker.NewWorker(worker.WorkerConfig{
		TaskQueue:         a.taskQueue,
		Pipeline:          a.pipeline,
		Appointments:      a.appointments,
		Dispatcher:        a.dispatcher,
		Scheduler:         scheduler,
		Lock:              a.lock,
		Logger:            a.logger,
		Concurrency:       a.cfg.WorkerConcurrency,
		DequeueTimeout:    a.cfg.WorkerDequeueTimeout,
		StallThreshold:    a.cfg.StallThreshold,
		SubmissionLockTTL: a.cfg.SubmissionLockTTL,
		SlotHorizonDays:   a.cfg.SlotHorizonDays,
		DispatchBatch:     a.cfg.DispatchBatch,
		PurgeAge:          a.cfg.TaskPurgeAge,
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	log.Println("Worker started, processing tasks...")
	log.Println("Worker handles:")
	log.Println("  - process_submission: advance one submission through the pipeline")
	log.Println("  - recover_stalled: re-enqueue submissions stuck in a stage")
	log.Println("  - dispatch_notifications: publish undelivered terminal events")
	log.Println("  - generate_slots: extend the appointment calendar")
	log.Println("  - purge_tasks: drop old finished tasks")

	<-ctx.Done()

	log.Println("Stopping worker...")
	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		log.Println("Worker stopped")
	case <-time.After(30 * time.Second):
		log.Println("Warning: worker did not stop within 30s")
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown completed with errors", "error", err)
	}
}
