// Package queue implements the durable background work queue backing the
// webhook pipeline. Jobs live in the database, delivery is at-least-once,
// and failed jobs are retried with polynomial backoff until their attempt
// budget is exhausted.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskline/taskline/internal/database"
)

// Job kinds processed by the queue.
const (
	KindWebhookEvent   = "webhook.event"
	KindExtractMessage = "extract.message"
)

// ExtractMessagePayload links an extraction job to its persisted message.
type ExtractMessagePayload struct {
	MessageID int64 `json:"message_id"`
}

// HandlerFunc processes one claimed job payload. Returning nil marks the
// job processed; returning an error reschedules it with backoff (or parks
// it dead once attempts run out). Handlers absorb non-retryable business
// failures themselves and return nil for those.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Options tunes queue behavior.
type Options struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	JobTimeout   time.Duration
}

// Queue coordinates job enqueueing and the worker pool.
type Queue struct {
	store    database.Store
	logger   *slog.Logger
	opts     Options
	handlers map[string]HandlerFunc
}

// New creates a queue over the given store.
func New(store database.Store, logger *slog.Logger, opts Options) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 10 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	return &Queue{
		store:    store,
		logger:   logger.With("component", "queue"),
		opts:     opts,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job kind. Must be called before Run.
func (q *Queue) Register(kind string, handler HandlerFunc) {
	q.handlers[kind] = handler
}

// Enqueue durably records a new job for asynchronous execution.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload []byte) error {
	job := &database.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     string(payload),
		MaxAttempts: q.opts.MaxAttempts,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return nil
}

// Run starts the worker pool and blocks until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("Starting queue workers", "workers", q.opts.Workers, "poll_interval", q.opts.PollInterval)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			return q.workerLoop(gCtx, worker)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("queue worker pool stopped: %w", err)
	}
	q.logger.Info("Queue workers stopped.")
	return nil
}

func (q *Queue) workerLoop(ctx context.Context, worker int) error {
	log := q.logger.With("worker", worker)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.store.ClaimJob(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.ErrorContext(ctx, "Failed to claim job", "error", err)
		}
		if job != nil {
			q.runJob(ctx, log, job)
			// Drain eagerly while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) runJob(ctx context.Context, log *slog.Logger, job *database.Job) {
	log = log.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	handler, ok := q.handlers[job.Kind]
	if !ok {
		log.ErrorContext(ctx, "No handler registered for job kind, parking job")
		if err := q.store.MarkJobDead(ctx, job.ID, "no handler registered for kind "+job.Kind); err != nil {
			log.ErrorContext(ctx, "Failed to park job", "error", err)
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	runErr := handler(jobCtx, []byte(job.Payload))
	duration := time.Since(start)

	if runErr == nil {
		log.DebugContext(ctx, "Job processed", "duration", duration)
		if err := q.store.CompleteJob(ctx, job.ID); err != nil {
			log.ErrorContext(ctx, "Failed to mark job processed", "error", err)
		}
		return
	}

	if job.Attempts >= job.MaxAttempts {
		log.ErrorContext(ctx, "Job failed permanently, attempts exhausted", "error", runErr, "duration", duration)
		if err := q.store.MarkJobDead(ctx, job.ID, runErr.Error()); err != nil {
			log.ErrorContext(ctx, "Failed to park job", "error", err)
		}
		return
	}

	delay := Backoff(q.opts.BackoffBase, job.Attempts)
	log.WarnContext(ctx, "Job failed, rescheduling", "error", runErr, "retry_in", delay)
	if err := q.store.RetryJob(ctx, job.ID, time.Now().UTC().Add(delay), runErr.Error()); err != nil {
		log.ErrorContext(ctx, "Failed to reschedule job", "error", err)
	}
}

// Backoff computes the polynomial retry delay for the given attempt count:
// base * attempts^2.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(attempts*attempts)
}

// Maintenance requeues claims stuck in processing longer than the
// visibility timeout, typically after a worker crash.
func (q *Queue) Maintenance(ctx context.Context, visibilityTimeout time.Duration) error {
	cutoff := time.Now().UTC().Add(-visibilityTimeout)
	if _, err := q.store.RequeueStuckJobs(ctx, cutoff); err != nil {
		return fmt.Errorf("queue maintenance failed: %w", err)
	}
	return nil
}
