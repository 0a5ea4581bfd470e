package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  2,
		RatePerSec:   0, // unlimited in tests
		PollInterval: time.Millisecond,
		JobTimeout:   time.Second,
	}
}

func enqueue(t *testing.T, store Store, queueName, name string, payload interface{}, opts Options) *Job {
	t.Helper()
	job, err := NewJob(queueName, name, payload, opts)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), job))
	return job
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := NewMemoryStore(Retention{Completed: 10, Failed: 10})
	w := NewWorker(store, "test", testWorkerConfig(), zap.NewNop())

	var processed int64
	w.Register("noop", func(ctx context.Context, job *Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	enqueue(t, store, "test", "noop", map[string]string{"k": "v"}, Options{MaxAttempts: 1})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processed) == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return len(store.CompletedJobs("test")) == 1
	}, time.Second, time.Millisecond)
}

func TestWorker_RetriesWithBackoffThenFails(t *testing.T) {
	store := NewMemoryStore(Retention{Completed: 10, Failed: 10})
	w := NewWorker(store, "test", testWorkerConfig(), zap.NewNop())

	var attempts int64
	w.Register("flaky", func(ctx context.Context, job *Job) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("still broken")
	})

	enqueue(t, store, "test", "flaky", nil, Options{MaxAttempts: 3, Backoff: time.Millisecond})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return len(store.FailedJobs("test")) == 1
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts), "attempts bounded by MaxAttempts")
	failed := store.FailedJobs("test")[0]
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, "still broken", failed.LastError)
}

func TestWorker_DelayedJobRunsAfterDelay(t *testing.T) {
	store := NewMemoryStore(Retention{Completed: 10, Failed: 10})
	w := NewWorker(store, "test", testWorkerConfig(), zap.NewNop())

	var ranAt atomic.Value
	w.Register("later", func(ctx context.Context, job *Job) error {
		ranAt.Store(time.Now())
		return nil
	})

	delay := 50 * time.Millisecond
	enqueuedAt := time.Now()
	enqueue(t, store, "test", "later", nil, Options{MaxAttempts: 1, Delay: delay})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return ranAt.Load() != nil
	}, 2*time.Second, time.Millisecond)

	assert.GreaterOrEqual(t, ranAt.Load().(time.Time).Sub(enqueuedAt), delay)
}

func TestWorker_PriorityOrdering(t *testing.T) {
	store := NewMemoryStore(Retention{Completed: 10, Failed: 10})
	cfg := testWorkerConfig()
	cfg.Concurrency = 1
	w := NewWorker(store, "test", cfg, zap.NewNop())

	var mu sync.Mutex
	var order []string
	w.Register("record", func(ctx context.Context, job *Job) error {
		mu.Lock()
		order = append(order, string(job.Payload))
		mu.Unlock()
		return nil
	})

	enqueue(t, store, "test", "record", "low", Options{MaxAttempts: 1, Priority: 0})
	enqueue(t, store, "test", "record", "high", Options{MaxAttempts: 1, Priority: 10})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `"high"`, order[0], "higher priority job runs first")
}

func TestWorker_PanicConsumesAttempt(t *testing.T) {
	store := NewMemoryStore(Retention{Completed: 10, Failed: 10})
	w := NewWorker(store, "test", testWorkerConfig(), zap.NewNop())

	w.Register("boom", func(ctx context.Context, job *Job) error {
		panic("unexpected payload shape")
	})

	enqueue(t, store, "test", "boom", nil, Options{MaxAttempts: 1})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return len(store.FailedJobs("test")) == 1
	}, time.Second, time.Millisecond)
	assert.Contains(t, store.FailedJobs("test")[0].LastError, "handler panic")
}

func TestWorker_UnknownJobNameFails(t *testing.T) {
	store := NewMemoryStore(Retention{Completed: 10, Failed: 10})
	w := NewWorker(store, "test", testWorkerConfig(), zap.NewNop())

	enqueue(t, store, "test", "nobody-home", nil, Options{MaxAttempts: 3})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return len(store.FailedJobs("test")) == 1
	}, time.Second, time.Millisecond)
}

func TestMemoryStore_RetentionTrim(t *testing.T) {
	store := NewMemoryStore(Retention{Completed: 2, Failed: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job, err := NewJob("test", "n", i, Options{MaxAttempts: 1})
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, job))
	}
	assert.Len(t, store.CompletedJobs("test"), 2)
}
