package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler executes one claimed job. It is supplied by the caller and does
// the actual rendering work (overlay compositing, thumbnail scaling, video
// encoding); the worker only schedules it. A non-nil return marks the job
// FAILED and subject to the retry policy; nil marks it COMPLETED.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig holds worker loop tuning parameters (sourced from
// config.Config). Zero fields take the documented defaults.
type WorkerConfig struct {
	BatchSize       int           // jobs claimed per tick (default 5)
	MaxConcurrent   int           // concurrent handler invocations (default 3)
	PollInterval    time.Duration // claim tick (default 10s)
	RetryInterval   time.Duration // due-for-retry tick (default 1m)
	CleanupInterval time.Duration // terminal purge tick (default 1h)
	Retention       time.Duration // terminal row retention (default 24h)
	JobTimeout      time.Duration // soft per-job budget, logging only (default 2m)
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	return c
}

// Worker drives one job kind: each poll tick it claims a bounded batch and
// dispatches every job to the handler under a concurrency cap; a retry tick
// re-queues FAILED jobs whose cooldown elapsed; a cleanup tick purges old
// terminal rows. Multiple worker processes may run against the same tables;
// the repository's claim statement is the only exclusivity mechanism.
type Worker struct {
	queue    *Queue
	handler  Handler
	cfg      WorkerConfig
	log      *slog.Logger
	workerID string
	sem      chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker for queue. A random workerID distinguishes
// this process in logs when several workers poll the same table.
func NewWorker(queue *Queue, handler Handler, cfg WorkerConfig, log *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New().String()
	return &Worker{
		queue:    queue,
		handler:  handler,
		cfg:      cfg,
		log:      log.With("job_kind", queue.Kind(), "worker_id", id),
		workerID: id,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start runs the worker until ctx is cancelled, then waits for in-flight
// handlers to finish. Jobs claimed but not finished when the process dies
// are left PROCESSING for the recovery sweep; nothing is force-cancelled
// mid-write.
func (w *Worker) Start(ctx context.Context) {
	pollTicker := time.NewTicker(w.cfg.PollInterval)
	retryTicker := time.NewTicker(w.cfg.RetryInterval)
	cleanupTicker := time.NewTicker(w.cfg.CleanupInterval)
	defer pollTicker.Stop()
	defer retryTicker.Stop()
	defer cleanupTicker.Stop()

	w.log.Info("worker started",
		"batch_size", w.cfg.BatchSize,
		"max_concurrent", w.cfg.MaxConcurrent,
		"poll_interval", w.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping, draining in-flight jobs")
			w.wg.Wait()
			w.log.Info("worker stopped")
			return
		case <-pollTicker.C:
			w.runClaim(ctx)
		case <-retryTicker.C:
			w.runRetry(ctx)
		case <-cleanupTicker.C:
			w.runCleanup(ctx)
		}
	}
}

// RunOnce executes one claim tick and waits for the dispatched handlers to
// finish. Used in tests only.
func (w *Worker) RunOnce(ctx context.Context) {
	w.runClaim(ctx)
	w.wg.Wait()
}

// RunRetryOnce executes one retry tick. Used in tests only.
func (w *Worker) RunRetryOnce(ctx context.Context) {
	w.runRetry(ctx)
}

func (w *Worker) runClaim(ctx context.Context) {
	claimed, err := w.queue.ClaimBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.Error("claim batch", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	w.log.Debug("claimed batch", "count", len(claimed))

	for i := range claimed {
		job := claimed[i]
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutting down mid-batch: the rest of the claimed jobs stay
			// PROCESSING and the recovery sweep re-queues them.
			w.log.Warn("shutdown during dispatch, leaving job for recovery", "job_id", job.ID)
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.process(ctx, &job)
		}()
	}
}

// recordTimeout bounds the status write after a handler returns.
const recordTimeout = 10 * time.Second

// process runs the handler for one claimed job and reports the outcome back
// to the queue. A handler failure never aborts the loop or sibling jobs.
func (w *Worker) process(ctx context.Context, job *Job) {
	start := time.Now()
	log := w.log.With("job_id", job.ID, "subject_id", job.SubjectID)

	err := w.invoke(ctx, job)
	elapsed := time.Since(start)

	// The outcome write must land even when ctx was cancelled for shutdown:
	// the handler's side effects already happened, and losing the status
	// update sends the job through recovery and a second run.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	// The timeout is soft: a slow handler is logged, not interrupted.
	// Killing it mid-write risks double processing; if the process dies the
	// recovery sweep picks the job up instead.
	if elapsed > w.cfg.JobTimeout {
		log.Warn("job exceeded soft timeout", "elapsed", elapsed, "timeout", w.cfg.JobTimeout)
	}

	if err == nil {
		ok, markErr := w.queue.MarkCompleted(recordCtx, job.ID)
		if markErr != nil {
			log.Error("mark completed", "error", markErr)
			return
		}
		if !ok {
			log.Warn("job no longer processing at completion, likely swept")
			return
		}
		log.Info("job completed", "elapsed", elapsed)
		return
	}

	log.Warn("job handler failed", "error", err, "retry_count", job.RetryCount, "elapsed", elapsed)
	if _, markErr := w.queue.MarkFailed(recordCtx, job.ID, err.Error()); markErr != nil {
		log.Error("mark failed", "error", markErr)
		return
	}
	if job.RetryCount >= w.queue.Policy().MaxRetries {
		log.Error("job failed terminally, retries exhausted", "retry_count", job.RetryCount)
	}
	// Re-queueing happens on the retry tick once the cooldown elapses.
}

// invoke calls the handler, converting a panic into an error so one bad
// render cannot take down the loop.
func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) runRetry(ctx context.Context) {
	due, err := w.queue.DueForRetry(ctx)
	if err != nil {
		w.log.Error("due for retry", "error", err)
		return
	}
	for i := range due {
		job := due[i]
		ok, err := w.queue.ScheduleRetry(ctx, job.ID)
		if err != nil {
			w.log.Error("schedule retry", "job_id", job.ID, "error", err)
			continue
		}
		if !ok {
			// Lost a race with another worker's retry tick; harmless.
			w.log.Debug("retry skipped", "job_id", job.ID)
		}
	}
}

func (w *Worker) runCleanup(ctx context.Context) {
	if _, err := w.queue.PurgeOld(ctx, w.cfg.Retention); err != nil {
		w.log.Error("cleanup terminal jobs", "error", err)
	}
}
