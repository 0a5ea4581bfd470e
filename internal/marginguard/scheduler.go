package marginguard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bitguard/marginguard/internal/exchange"
	"github.com/bitguard/marginguard/internal/queue"
)

// SchedulerConfig tunes the periodic control loop.
type SchedulerConfig struct {
	Interval   time.Duration `yaml:"interval" json:"interval"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	BatchPause time.Duration `yaml:"batch_pause" json:"batch_pause"`
}

// DefaultSchedulerConfig returns the production cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:   20 * time.Second,
		BatchSize:  10,
		BatchPause: 100 * time.Millisecond,
	}
}

// TickSummary tallies one scheduler tick.
type TickSummary struct {
	Candidates int
	Scheduled  int
	Skipped    int
	Errors     int
}

// Scheduler drives the margin guard: each tick sweeps the client pool,
// enumerates users with an enabled policy, and enqueues one evaluation
// job per user in paced batches.
type Scheduler struct {
	policies PolicyReader
	pool     *exchange.ServicePool
	store    queue.Store
	cfg      SchedulerConfig
	logger   *zap.Logger
	metrics  *Metrics

	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler wires a scheduler. metrics may be nil.
func NewScheduler(policies PolicyReader, pool *exchange.ServicePool, store queue.Store, cfg SchedulerConfig, logger *zap.Logger, metrics *Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Scheduler{
		policies: policies,
		pool:     pool,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start launches the tick loop. Calling Start while already running is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	s.logger.Info("margin guard scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))
}

// Stop halts the loop and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("margin guard scheduler stopped")
}

// Tick runs one scheduling pass. A per-user failure is counted and never
// aborts the batch or the tick.
func (s *Scheduler) Tick(ctx context.Context) TickSummary {
	if s.metrics != nil {
		s.metrics.TicksTotal.Inc()
	}
	s.pool.EvictExpired()

	userIDs, err := s.policies.FindActiveMarginGuardUserIDs(ctx)
	if err != nil {
		s.logger.Error("failed to enumerate active policies", zap.Error(err))
		if s.metrics != nil {
			s.metrics.TickErrors.Inc()
		}
		return TickSummary{Errors: 1}
	}

	summary := TickSummary{Candidates: len(userIDs)}
	var scheduled, skipped, errored int64

	for start := 0; start < len(userIDs); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}

		var wg sync.WaitGroup
		for _, userID := range userIDs[start:end] {
			wg.Add(1)
			go func(userID uuid.UUID) {
				defer wg.Done()
				switch s.scheduleUser(ctx, userID) {
				case scheduleOK:
					atomic.AddInt64(&scheduled, 1)
				case scheduleSkipped:
					atomic.AddInt64(&skipped, 1)
				default:
					atomic.AddInt64(&errored, 1)
				}
			}(userID)
		}
		wg.Wait()

		if end < len(userIDs) && s.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				start = len(userIDs)
			case <-time.After(s.cfg.BatchPause):
			}
		}
	}

	summary.Scheduled = int(scheduled)
	summary.Skipped = int(skipped)
	summary.Errors = int(errored)

	if s.metrics != nil {
		s.metrics.JobsScheduled.Add(float64(summary.Scheduled))
		s.metrics.TickErrors.Add(float64(summary.Errors))
	}
	s.logger.Info("margin guard tick",
		zap.Int("candidates", summary.Candidates),
		zap.Int("scheduled", summary.Scheduled),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors))
	return summary
}

type scheduleResult int

const (
	scheduleOK scheduleResult = iota
	scheduleSkipped
	scheduleErrored
)

// scheduleUser re-confirms the policy is still enabled before enqueuing;
// configuration may have changed since the enumeration query.
func (s *Scheduler) scheduleUser(ctx context.Context, userID uuid.UUID) scheduleResult {
	policy, err := s.policies.GetPolicy(ctx, userID)
	if err != nil {
		s.logger.Warn("policy re-check failed",
			zap.String("user_id", userID.String()), zap.Error(err))
		return scheduleErrored
	}
	if policy == nil || !policy.Enabled {
		return scheduleSkipped
	}

	job, err := NewMarginCheckJob(userID)
	if err != nil {
		s.logger.Warn("failed to build margin-check job",
			zap.String("user_id", userID.String()), zap.Error(err))
		return scheduleErrored
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		s.logger.Warn("failed to enqueue margin-check job",
			zap.String("user_id", userID.String()), zap.Error(err))
		return scheduleErrored
	}
	return scheduleOK
}
