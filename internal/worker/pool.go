package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

var (
	// ErrQueueFull is returned by Enqueue when the buffer is at capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrPoolStopped is returned by Enqueue after Stop.
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Handler processes one job. A returned error schedules a retry unless it
// is wrapped with Permanent or the job is out of attempts.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config tunes a Pool.
type Config struct {
	QueueSize   int
	MaxAttempts int
	// JobTimeout bounds a single handler call.
	JobTimeout time.Duration
	// Backoff returns the delay before the given retry attempt (1-based).
	Backoff func(attempt int) time.Duration
}

// ExponentialBackoff doubles base per attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

// Pool manages a pool of workers that process jobs asynchronously.
type Pool struct {
	queue    chan *Job
	handlers map[JobType]Handler
	cfg      Config
	metrics  *utils.MetricsCollector

	workers []*Worker
	wg      sync.WaitGroup
	retries sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	quit    chan struct{}
	stopped atomic.Bool

	jobsProcessed int64
	jobsFailed    int64
	jobsRetried   int64
	mu            sync.RWMutex
}

// Worker represents a single worker in the pool.
type Worker struct {
	id   int
	pool *Pool
}

// Stats represents worker pool statistics.
type Stats struct {
	ActiveWorkers int   `json:"active_workers"`
	JobsProcessed int64 `json:"jobs_processed"`
	JobsFailed    int64 `json:"jobs_failed"`
	JobsRetried   int64 `json:"jobs_retried"`
	QueueSize     int   `json:"queue_size"`
}

// NewPool creates a new worker pool. metrics may be nil.
func NewPool(cfg Config, metrics *utils.MetricsCollector) *Pool {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff(2*time.Second, time.Minute)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:    make(chan *Job, cfg.QueueSize),
		handlers: make(map[JobType]Handler),
		cfg:      cfg,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
	}
}

// Handle registers the handler for a job type. Call before Start.
func (wp *Pool) Handle(jobType JobType, h Handler) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.handlers[jobType] = h
}

// Start starts the specified number of workers.
func (wp *Pool) Start(numWorkers int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	utils.Info("starting worker pool",
		slog.Int("num_workers", numWorkers),
		slog.Int("queue_size", cap(wp.queue)),
	)

	for i := 0; i < numWorkers; i++ {
		worker := &Worker{id: len(wp.workers) + 1, pool: wp}
		wp.workers = append(wp.workers, worker)

		wp.wg.Add(1)
		go worker.start()
	}
}

// Stop signals the workers to finish their current job and waits for them
// or for ctx. Jobs still buffered or waiting for a retry are dropped.
func (wp *Pool) Stop(ctx context.Context) error {
	if !wp.stopped.CompareAndSwap(false, true) {
		return nil
	}

	wp.mu.RLock()
	active := len(wp.workers)
	wp.mu.RUnlock()
	utils.Info("stopping worker pool",
		slog.Int("active_workers", active),
		slog.Int("queued_jobs", len(wp.queue)),
	)

	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		wp.retries.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		utils.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		wp.cancel()
		utils.Warn("worker pool shutdown timed out")
		return ctx.Err()
	}
}

// Enqueue submits a job without blocking.
func (wp *Pool) Enqueue(_ context.Context, job *Job) error {
	if wp.stopped.Load() {
		return ErrPoolStopped
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = wp.cfg.MaxAttempts
	}

	select {
	case wp.queue <- job:
		wp.metrics.SetQueueDepth(len(wp.queue))
		utils.Debug("job submitted",
			slog.String("job_id", job.ID.String()),
			slog.String("type", string(job.Type)),
		)
		return nil
	default:
		utils.Warn("job queue full, job rejected",
			slog.String("job_id", job.ID.String()),
			slog.String("type", string(job.Type)),
		)
		return ErrQueueFull
	}
}

// GetStats returns current worker pool statistics.
func (wp *Pool) GetStats() Stats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	return Stats{
		ActiveWorkers: len(wp.workers),
		JobsProcessed: atomic.LoadInt64(&wp.jobsProcessed),
		JobsFailed:    atomic.LoadInt64(&wp.jobsFailed),
		JobsRetried:   atomic.LoadInt64(&wp.jobsRetried),
		QueueSize:     len(wp.queue),
	}
}

// IsStopped returns whether the worker pool has been stopped.
func (wp *Pool) IsStopped() bool {
	return wp.stopped.Load()
}

func (wp *Pool) handler(t JobType) (Handler, bool) {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	h, ok := wp.handlers[t]
	return h, ok
}

// retry puts job back on the queue after its backoff, unless the pool stops
// first.
func (wp *Pool) retry(job *Job) {
	delay := wp.cfg.Backoff(job.Attempts)
	atomic.AddInt64(&wp.jobsRetried, 1)
	utils.Info("job scheduled for retry",
		slog.String("job_id", job.ID.String()),
		slog.String("type", string(job.Type)),
		slog.Int("attempt", job.Attempts),
		slog.Duration("delay", delay),
	)

	wp.retries.Add(1)
	go func() {
		defer wp.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-wp.quit:
			utils.Warn("retry dropped on shutdown", slog.String("job_id", job.ID.String()))
			return
		}
		select {
		case wp.queue <- job:
			wp.metrics.SetQueueDepth(len(wp.queue))
		case <-wp.quit:
			utils.Warn("retry dropped on shutdown", slog.String("job_id", job.ID.String()))
		}
	}()
}

// start begins processing jobs for a worker.
func (w *Worker) start() {
	defer w.pool.wg.Done()

	utils.Debug("worker started", slog.Int("worker_id", w.id))

	for {
		select {
		case job := <-w.pool.queue:
			w.pool.metrics.SetQueueDepth(len(w.pool.queue))
			w.processJob(job)
		case <-w.pool.quit:
			utils.Debug("worker stopped", slog.Int("worker_id", w.id))
			return
		}
	}
}

// processJob runs the job's handler once and decides whether to retry.
func (w *Worker) processJob(job *Job) {
	startTime := time.Now()
	job.Attempts++

	utils.Debug("processing job",
		slog.String("job_id", job.ID.String()),
		slog.String("type", string(job.Type)),
		slog.Int("attempt", job.Attempts),
		slog.Int("worker_id", w.id),
	)

	err := w.run(job)
	if err == nil {
		atomic.AddInt64(&w.pool.jobsProcessed, 1)
		w.pool.metrics.IncrementJobsProcessed()
		utils.Info("job processed successfully",
			slog.String("job_id", job.ID.String()),
			slog.String("type", string(job.Type)),
			slog.Duration("duration", time.Since(startTime)),
		)
		return
	}

	if !IsPermanent(err) && job.Attempts < job.MaxAttempts && !w.pool.stopped.Load() {
		utils.Warn("job attempt failed",
			slog.String("job_id", job.ID.String()),
			slog.String("type", string(job.Type)),
			slog.Int("attempt", job.Attempts),
			slog.String("error", err.Error()),
		)
		w.pool.retry(job)
		return
	}

	atomic.AddInt64(&w.pool.jobsFailed, 1)
	utils.Error("job processing failed",
		slog.String("job_id", job.ID.String()),
		slog.String("type", string(job.Type)),
		slog.Int("attempts", job.Attempts),
		slog.String("error", err.Error()),
		slog.Duration("duration", time.Since(startTime)),
	)
}

func (w *Worker) run(job *Job) (err error) {
	h, ok := w.pool.handler(job.Type)
	if !ok {
		return Permanent(fmt.Errorf("unknown job type: %s", job.Type))
	}

	ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.cfg.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("job handler panicked: %v", r))
		}
	}()
	return h(ctx, job)
}
