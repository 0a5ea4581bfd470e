package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler processes one job. A returned error consumes an attempt.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig tunes a queue worker.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	RatePerSec   float64       `yaml:"rate_per_sec" json:"rate_per_sec"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	JobTimeout   time.Duration `yaml:"job_timeout" json:"job_timeout"`
}

// DefaultWorkerConfig returns the production defaults: 8 concurrent
// jobs, ~20 job-starts per second.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  8,
		RatePerSec:   20,
		PollInterval: 100 * time.Millisecond,
		JobTimeout:   2 * time.Minute,
	}
}

// Worker pulls jobs off one named queue and runs registered handlers
// with bounded concurrency and a job-start rate limit.
type Worker struct {
	store     Store
	queueName string
	cfg       WorkerConfig
	logger    *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	limiter *rate.Limiter
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker for one queue.
func NewWorker(store Store, queueName string, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &Worker{
		store:     store,
		queueName: queueName,
		cfg:       cfg,
		logger:    logger,
		handlers:  make(map[string]Handler),
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Register binds a handler to a job name.
func (w *Worker) Register(name string, handler Handler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[name] = handler
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.logger.Info("queue worker started",
		zap.String("queue", w.queueName),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Float64("rate_per_sec", w.cfg.RatePerSec))
}

// Stop cancels the workers and waits for in-flight jobs.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		job, err := w.store.Dequeue(ctx, w.queueName)
		if err != nil {
			w.logger.Warn("queue dequeue failed", zap.String("queue", w.queueName), zap.Error(err))
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.handlersMu.RLock()
	handler, ok := w.handlers[job.Name]
	w.handlersMu.RUnlock()
	if !ok {
		w.logger.Error("no handler registered for job",
			zap.String("queue", w.queueName), zap.String("job", job.Name))
		job.LastError = "no handler registered"
		w.store.Fail(ctx, job)
		return
	}

	job.Attempts++
	start := time.Now()
	err := w.runHandler(ctx, handler, job)
	duration := time.Since(start)

	if err == nil {
		if storeErr := w.store.Complete(ctx, job); storeErr != nil {
			w.logger.Warn("failed to retire completed job", zap.Error(storeErr))
		}
		w.logger.Debug("job completed",
			zap.String("queue", w.queueName),
			zap.String("job", job.Name),
			zap.String("job_id", job.ID),
			zap.Duration("duration", duration))
		return
	}

	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		at := time.Now().Add(job.NextBackoff())
		w.logger.Warn("job failed, retrying",
			zap.String("queue", w.queueName),
			zap.String("job", job.Name),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Time("retry_at", at),
			zap.Error(err))
		if storeErr := w.store.Retry(ctx, job, at); storeErr != nil {
			w.logger.Error("failed to park job for retry", zap.Error(storeErr))
		}
		return
	}

	w.logger.Error("job failed permanently",
		zap.String("queue", w.queueName),
		zap.String("job", job.Name),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
	if storeErr := w.store.Fail(ctx, job); storeErr != nil {
		w.logger.Error("failed to retire failed job", zap.Error(storeErr))
	}
}

// runHandler applies the per-job timeout and converts panics into job
// failures so one bad payload never takes the worker down.
func (w *Worker) runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panic recovered",
				zap.String("queue", w.queueName),
				zap.String("job", job.Name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, job)
}
