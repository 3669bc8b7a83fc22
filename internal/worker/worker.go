package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/core/ports/driving"
	"github.com/custodia-labs/permitflow/internal/core/services"
)

const (
	// DefaultStallThreshold is how long a submission may sit in a stage
	// before recover_stalled re-enqueues it.
	DefaultStallThreshold = 15 * time.Minute

	// DefaultSubmissionLockTTL bounds how long one worker may hold a
	// submission. It must exceed the slowest Advance call.
	DefaultSubmissionLockTTL = 15 * time.Minute

	DefaultSlotHorizonDays = 30
	DefaultDispatchBatch   = 100
	DefaultPurgeAge        = 7 * 24 * time.Hour
)

// NotificationDispatch publishes pending terminal events.
type NotificationDispatch interface {
	DispatchPending(ctx context.Context, limit int) (int, error)
}

// Worker processes tasks from the task queue.
// process_submission tasks advance one submission through the pipeline;
// the periodic tasks enqueued by the scheduler run maintenance jobs.
type Worker struct {
	taskQueue    driven.TaskQueue
	pipeline     driving.PipelineService
	appointments driving.AppointmentService
	dispatcher   NotificationDispatch
	scheduler    *services.Scheduler
	lock         driven.DistributedLock
	logger       *slog.Logger

	// Configuration
	concurrency       int
	dequeueTimeout    time.Duration
	stallThreshold    time.Duration
	submissionLockTTL time.Duration
	slotHorizonDays   int
	dispatchBatch     int
	purgeAge          time.Duration

	// Internal state
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	TaskQueue    driven.TaskQueue
	Pipeline     driving.PipelineService
	Appointments driving.AppointmentService // Optional: generate_slots is skipped without it
	Dispatcher   NotificationDispatch       // Optional: dispatch_notifications is skipped without it
	Scheduler    *services.Scheduler
	Lock         driven.DistributedLock // Optional: per-submission serialization across workers
	Logger       *slog.Logger

	Concurrency       int // Number of concurrent task processors
	DequeueTimeout    time.Duration // how long one dequeue blocks, default 5s
	StallThreshold    time.Duration
	SubmissionLockTTL time.Duration
	SlotHorizonDays   int
	DispatchBatch     int
	PurgeAge          time.Duration
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5 * time.Second
	}

	w := &Worker{
		taskQueue:         cfg.TaskQueue,
		pipeline:          cfg.Pipeline,
		appointments:      cfg.Appointments,
		dispatcher:        cfg.Dispatcher,
		scheduler:         cfg.Scheduler,
		lock:              cfg.Lock,
		logger:            logger,
		concurrency:       concurrency,
		dequeueTimeout:    dequeueTimeout,
		stallThreshold:    cfg.StallThreshold,
		submissionLockTTL: cfg.SubmissionLockTTL,
		slotHorizonDays:   cfg.SlotHorizonDays,
		dispatchBatch:     cfg.DispatchBatch,
		purgeAge:          cfg.PurgeAge,
	}
	if w.stallThreshold <= 0 {
		w.stallThreshold = DefaultStallThreshold
	}
	if w.submissionLockTTL <= 0 {
		w.submissionLockTTL = DefaultSubmissionLockTTL
	}
	if w.slotHorizonDays <= 0 {
		w.slotHorizonDays = DefaultSlotHorizonDays
	}
	if w.dispatchBatch <= 0 {
		w.dispatchBatch = DefaultDispatchBatch
	}
	if w.purgeAge <= 0 {
		w.purgeAge = DefaultPurgeAge
	}
	return w
}

// Start begins the worker loop.
// It runs until Stop is called or context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker starting",
		"concurrency", w.concurrency,
		"dequeue_timeout", w.dequeueTimeout,
	)

	if w.scheduler != nil {
		if err := w.scheduler.Start(ctx); err != nil {
			w.logger.Error("failed to start scheduler", "error", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.processLoop(ctx, workerID)
		}(i)
	}

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Wait blocks until the worker stops.
func (w *Worker) Wait() {
	<-w.doneCh
}

func (w *Worker) processLoop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Info("worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Info("worker stop signal received")
			return
		default:
		}

		task, err := w.taskQueue.DequeueWithTimeout(ctx, w.dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to dequeue task", "error", err)
			time.Sleep(time.Second) // Back off on error
			continue
		}

		if task == nil {
			continue
		}

		w.processTask(ctx, task, logger)
	}
}

// processTask runs one task and acks it, or nacks it so the queue
// redelivers it with backoff.
func (w *Worker) processTask(ctx context.Context, task *domain.Task, logger *slog.Logger) {
	logger = logger.With("task_id", task.ID, "task_type", task.Type, "key", task.Key)
	logger.Debug("processing task")

	startTime := time.Now()
	var err error

	switch task.Type {
	case domain.TaskTypeProcessSubmission:
		err = w.handleProcessSubmission(ctx, task, logger)
	case domain.TaskTypeRecoverStalled:
		err = w.handleRecoverStalled(ctx, logger)
	case domain.TaskTypeDispatchNotifications:
		err = w.handleDispatchNotifications(ctx, logger)
	case domain.TaskTypeGenerateSlots:
		err = w.handleGenerateSlots(ctx, logger)
	case domain.TaskTypePurgeTasks:
		err = w.handlePurgeTasks(ctx, logger)
	default:
		err = fmt.Errorf("unknown task type: %s", task.Type)
	}

	duration := time.Since(startTime)

	if err != nil {
		logger.Error("task failed",
			"duration", duration,
			"error", err,
		)

		if nackErr := w.taskQueue.Nack(ctx, task.ID, err.Error()); nackErr != nil {
			logger.Error("failed to nack task", "nack_error", nackErr)
		}
		return
	}

	logger.Debug("task completed", "duration", duration)

	if ackErr := w.taskQueue.Ack(ctx, task.ID); ackErr != nil {
		logger.Error("failed to ack task", "ack_error", ackErr)
	}
}

// SubmissionLockName is the lock serializing work on one submission. The
// orchestrator takes the same lock for re-evaluation.
func SubmissionLockName(submissionID string) string {
	return domain.SubmissionLockName(submissionID)
}

// handleProcessSubmission advances a submission while holding its lock.
// A task whose submission is already held is dropped: the holder runs the
// pipeline to a terminal stage or schedules its own retry.
func (w *Worker) handleProcessSubmission(ctx context.Context, task *domain.Task, logger *slog.Logger) error {
	submissionID := task.SubmissionID()
	if submissionID == "" {
		return fmt.Errorf("submission_id not found in task payload")
	}

	if w.lock != nil {
		name := SubmissionLockName(submissionID)
		acquired, err := w.lock.Acquire(ctx, name, w.submissionLockTTL)
		if err != nil {
			return fmt.Errorf("acquire submission lock: %w", err)
		}
		if !acquired {
			logger.Info("submission held by another worker, dropping task")
			return nil
		}
		stopKeepalive := w.keepLock(ctx, name, logger)
		defer func() {
			stopKeepalive()
			if err := w.lock.Release(context.WithoutCancel(ctx), name); err != nil {
				logger.Warn("failed to release submission lock", "error", err)
			}
		}()
	}

	result, err := w.pipeline.Advance(ctx, submissionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("submission not found, dropping task")
			return nil
		}
		return err
	}

	if result.RetryAfter > 0 {
		retry := domain.NewProcessSubmissionTask(submissionID, result.RetryAfter)
		if err := w.taskQueue.Enqueue(ctx, retry); err != nil {
			return fmt.Errorf("enqueue stage retry: %w", err)
		}
		logger.Info("stage retry scheduled", "retry_after", result.RetryAfter)
	}
	return nil
}

// keepLock extends a held submission lock every third of its TTL until the
// returned stop func is called. A failed extension ends the keepalive; the
// lock then lapses at its TTL.
func (w *Worker) keepLock(ctx context.Context, name string, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.submissionLockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.lock.Extend(ctx, name, w.submissionLockTTL); err != nil {
					if ctx.Err() == nil {
						logger.Warn("failed to extend submission lock", "error", err)
					}
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) handleRecoverStalled(ctx context.Context, logger *slog.Logger) error {
	n, err := w.pipeline.RecoverStalled(ctx, w.stallThreshold)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("recovered stalled submissions", "count", n)
	}
	return nil
}

func (w *Worker) handleDispatchNotifications(ctx context.Context, logger *slog.Logger) error {
	if w.dispatcher == nil {
		logger.Debug("no notification dispatcher configured")
		return nil
	}
	// Partial failures stay in the outbox for the next run.
	n, err := w.dispatcher.DispatchPending(ctx, w.dispatchBatch)
	if err != nil {
		logger.Warn("notification dispatch incomplete", "delivered", n, "error", err)
		return nil
	}
	if n > 0 {
		logger.Info("dispatched notifications", "count", n)
	}
	return nil
}

func (w *Worker) handleGenerateSlots(ctx context.Context, logger *slog.Logger) error {
	if w.appointments == nil {
		logger.Debug("no appointment service configured")
		return nil
	}
	n, err := w.appointments.GenerateSlots(ctx, time.Now(), w.slotHorizonDays)
	if err != nil {
		return err
	}
	logger.Info("extended appointment calendar", "created", n, "days", w.slotHorizonDays)
	return nil
}

func (w *Worker) handlePurgeTasks(ctx context.Context, logger *slog.Logger) error {
	n, err := w.taskQueue.PurgeTasks(ctx, w.purgeAge)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("purged finished tasks", "count", n)
	}
	return nil
}

// Health returns health status of the worker.
type Health struct {
	Running     bool   `json:"running"`
	QueueHealth bool   `json:"queue_health"`
	Error       string `json:"error,omitempty"`
}

// Health returns the health status of the worker.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()

	health := Health{
		Running: running,
	}

	if err := w.taskQueue.Ping(ctx); err != nil {
		health.QueueHealth = false
		health.Error = err.Error()
	} else {
		health.QueueHealth = true
	}

	return health
}
