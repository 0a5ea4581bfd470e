package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "marginguard:queue:"

	// priorityWeight separates priority bands in the ready zset score so
	// higher priority always pops before older lower-priority jobs.
	priorityWeight = float64(1 << 50)
)

// RedisStore is the durable Store. Ready jobs live in a zset scored by
// (inverted priority, enqueue time); delayed jobs in a zset scored by
// their due time; payloads in a hash keyed by job ID.
type RedisStore struct {
	client    redis.UniversalClient
	retention Retention
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, retention Retention) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func readyKey(queueName string) string   { return keyPrefix + queueName + ":ready" }
func delayedKey(queueName string) string { return keyPrefix + queueName + ":delayed" }
func jobsKey(queueName string) string    { return keyPrefix + queueName + ":jobs" }
func retiredKey(queueName, kind string) string {
	return keyPrefix + queueName + ":" + kind
}

func readyScore(job *Job) float64 {
	return -float64(job.Priority)*priorityWeight + float64(job.RunAt.UnixMilli())
}

// Enqueue stores the payload and parks or readies the job.
func (s *RedisStore) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobsKey(job.Queue), job.ID, data)
	if job.RunAt.After(time.Now()) {
		pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(job.RunAt.UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.ZAdd(ctx, readyKey(job.Queue), redis.Z{Score: readyScore(job), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue promotes due delayed jobs then pops the best ready job.
func (s *RedisStore) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	if err := s.promoteDue(ctx, queueName); err != nil {
		return nil, err
	}

	members, err := s.client.ZPopMin(ctx, readyKey(queueName), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop ready job: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	jobID, _ := members[0].Member.(string)
	raw, err := s.client.HGet(ctx, jobsKey(queueName), jobID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load job payload: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) promoteDue(ctx context.Context, queueName string) error {
	now := float64(time.Now().UnixMilli())
	due, err := s.client.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan delayed jobs: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, jobID := range due {
		raw, err := s.client.HGet(ctx, jobsKey(queueName), jobID).Result()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		pipe.ZRem(ctx, delayedKey(queueName), jobID)
		pipe.ZAdd(ctx, readyKey(queueName), redis.Z{Score: readyScore(&job), Member: jobID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return nil
}

// Retry reparks a job with its updated attempt count.
func (s *RedisStore) Retry(ctx context.Context, job *Job, at time.Time) error {
	job.RunAt = at
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobsKey(job.Queue), job.ID, data)
	pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to park job for retry: %w", err)
	}
	return nil
}

// Complete retires a job under the completed retention window.
func (s *RedisStore) Complete(ctx context.Context, job *Job) error {
	return s.retire(ctx, job, "completed", s.retention.Completed)
}

// Fail retires a job under the failed retention window.
func (s *RedisStore) Fail(ctx context.Context, job *Job) error {
	return s.retire(ctx, job, "failed", s.retention.Failed)
}

func (s *RedisStore) retire(ctx context.Context, job *Job, kind string, keep int) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, jobsKey(job.Queue), job.ID)
	key := retiredKey(job.Queue, kind)
	pipe.LPush(ctx, key, data)
	if keep > 0 {
		pipe.LTrim(ctx, key, 0, int64(keep-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retire job: %w", err)
	}
	return nil
}
