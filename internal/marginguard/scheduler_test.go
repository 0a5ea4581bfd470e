package marginguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitguard/marginguard/internal/exchange"
	"github.com/bitguard/marginguard/internal/queue"
	"github.com/bitguard/marginguard/pkg/models"
)

// stubPolicySource returns a fixed enumeration so re-check behavior can
// diverge from the initial query.
type stubPolicySource struct {
	ids      []uuid.UUID
	policies map[uuid.UUID]*models.ProtectionPolicy
	errFor   map[uuid.UUID]error
	listErr  error
}

func (s *stubPolicySource) FindActiveMarginGuardUserIDs(context.Context) ([]uuid.UUID, error) {
	return s.ids, s.listErr
}

func (s *stubPolicySource) GetPolicy(_ context.Context, userID uuid.UUID) (*models.ProtectionPolicy, error) {
	if err, ok := s.errFor[userID]; ok {
		return nil, err
	}
	return s.policies[userID], nil
}

func enabledPolicy(userID uuid.UUID) *models.ProtectionPolicy {
	return &models.ProtectionPolicy{
		ID:                 uuid.New(),
		UserID:             userID,
		Enabled:            true,
		MarginThresholdPct: decimal.NewFromInt(20),
		Action:             models.ActionClosePosition,
	}
}

func testPool() *exchange.ServicePool {
	return exchange.NewServicePool(func(models.Credentials) (exchange.Client, error) {
		return nil, errors.New("unused")
	}, time.Minute, zap.NewNop())
}

func schedulerConfigForTest() SchedulerConfig {
	return SchedulerConfig{Interval: time.Hour, BatchSize: 10, BatchPause: time.Millisecond}
}

func TestScheduler_BatchResilience(t *testing.T) {
	src := &stubPolicySource{
		policies: map[uuid.UUID]*models.ProtectionPolicy{},
		errFor:   map[uuid.UUID]error{},
	}
	for i := 0; i < 10; i++ {
		id := uuid.New()
		src.ids = append(src.ids, id)
		src.policies[id] = enabledPolicy(id)
	}
	src.errFor[src.ids[3]] = errors.New("policy table hiccup")

	store := queue.NewMemoryStore(queue.Retention{})
	s := NewScheduler(src, testPool(), store, schedulerConfigForTest(), zap.NewNop(), nil)

	summary := s.Tick(context.Background())
	assert.Equal(t, 10, summary.Candidates)
	assert.Equal(t, 9, summary.Scheduled, "one failing user never blocks the rest")
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 0, summary.Skipped)

	enqueued := 0
	for {
		job, err := store.Dequeue(context.Background(), queue.QueueMarginCheck)
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.Equal(t, JobMarginCheck, job.Name)
		enqueued++
	}
	assert.Equal(t, 9, enqueued)
}

func TestScheduler_RecheckSkipsFreshlyDisabledPolicies(t *testing.T) {
	enabled := uuid.New()
	disabled := uuid.New()
	src := &stubPolicySource{
		ids: []uuid.UUID{enabled, disabled},
		policies: map[uuid.UUID]*models.ProtectionPolicy{
			enabled: enabledPolicy(enabled),
			// disabled between the enumeration query and the re-check
			disabled: {ID: uuid.New(), UserID: disabled, Enabled: false},
		},
		errFor: map[uuid.UUID]error{},
	}

	store := queue.NewMemoryStore(queue.Retention{})
	s := NewScheduler(src, testPool(), store, schedulerConfigForTest(), zap.NewNop(), nil)

	summary := s.Tick(context.Background())
	assert.Equal(t, 1, summary.Scheduled)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Errors)
}

func TestScheduler_EnumerationFailureAbortsTickOnly(t *testing.T) {
	src := &stubPolicySource{listErr: errors.New("database down"), errFor: map[uuid.UUID]error{}}
	store := queue.NewMemoryStore(queue.Retention{})
	s := NewScheduler(src, testPool(), store, schedulerConfigForTest(), zap.NewNop(), nil)

	summary := s.Tick(context.Background())
	assert.Equal(t, 1, summary.Errors)
	assert.Zero(t, summary.Scheduled)
}

func TestScheduler_StartIsReentrantSafe(t *testing.T) {
	id := uuid.New()
	src := &stubPolicySource{
		ids:      []uuid.UUID{id},
		policies: map[uuid.UUID]*models.ProtectionPolicy{id: enabledPolicy(id)},
		errFor:   map[uuid.UUID]error{},
	}
	store := queue.NewMemoryStore(queue.Retention{})
	s := NewScheduler(src, testPool(), store, schedulerConfigForTest(), zap.NewNop(), nil)

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // no-op while running
	defer s.Stop()

	// exactly one immediate tick despite the double start
	require.Eventually(t, func() bool {
		job, err := store.Dequeue(ctx, queue.QueueMarginCheck)
		require.NoError(t, err)
		return job != nil
	}, time.Second, time.Millisecond)

	job, err := store.Dequeue(ctx, queue.QueueMarginCheck)
	require.NoError(t, err)
	assert.Nil(t, job)
}
