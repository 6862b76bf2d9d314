package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("queue is shutting down")

// Job asks for one document to be analysed.
type Job struct {
	ID           string
	Path         string
	DocumentType string
	Preference   string
	SubmittedAt  time.Time
}

// Handler processes one job. Errors are logged, not retried.
type Handler func(ctx context.Context, job Job) error

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}

// ProcessorQueue runs a fixed worker pool over a bounded channel.
type ProcessorQueue struct {
	handle  Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

type Option func(*ProcessorQueue)

func WithWorkers(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *ProcessorQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewProcessorQueue(handle Handler, logger *slog.Logger, opts ...Option) *ProcessorQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ProcessorQueue{
		handle:  handle,
		logger:  logger,
		workers: 4,
		timeout: 10 * time.Minute,
		ch:      make(chan Job, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *ProcessorQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.work(i + 1)
		}
	})
}

func (q *ProcessorQueue) work(workerID int) {
	defer q.wg.Done()
	q.logger.Debug("queue.worker.started", "worker_id", workerID)

	for job := range q.ch {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.run(ctx, job)
		cancel()

		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			q.logger.Error("queue.job.failed", "worker_id", workerID, "job_id", job.ID, "path", job.Path, "elapsed_ms", elapsed, "error", err)
		} else {
			q.logger.Info("queue.job.done", "worker_id", workerID, "job_id", job.ID, "path", job.Path, "elapsed_ms", elapsed)
		}
	}

	q.logger.Debug("queue.worker.stopped", "worker_id", workerID)
}

// run isolates a panicking handler from the pool.
func (q *ProcessorQueue) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
			q.logger.Error("queue.job.panic", "job_id", job.ID, "panic", r)
		}
	}()
	return q.handle(ctx, job)
}

// Enqueue blocks while the queue is full, until ctx is done.
func (q *ProcessorQueue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "path", job.Path)
		return ErrQueueClosed
	}
	select {
	case q.ch <- job:
		q.logger.Info("queue.job.enqueued", "job_id", job.ID, "path", job.Path)
		return nil
	default:
	}

	q.logger.Warn("queue full, applying backpressure", "path", job.Path)
	select {
	case q.ch <- job:
		q.logger.Info("queue.job.enqueued", "job_id", job.ID, "path", job.Path)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for queued ones to drain.
func (q *ProcessorQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
