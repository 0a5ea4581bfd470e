package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteStore is the distributed tier. The Redis implementation is the
// production path; tests substitute an in-memory one.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// remoteItem is the envelope stored in Redis.
type remoteItem struct {
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	TTL       int64     `json:"ttl"` // TTL in seconds
	Size      int64     `json:"size"`
}

// RedisStore implements RemoteStore on a Redis connection.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a Redis-backed remote tier.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: "marginguard:cache:",
	}
}

// Get retrieves a value from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get from remote cache: %w", err)
	}

	var item remoteItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal remote cache item: %w", err)
	}
	return item.Data, true, nil
}

// Set stores a value in Redis with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	item := remoteItem{
		Data:      data,
		CreatedAt: time.Now(),
		TTL:       int64(ttl.Seconds()),
		Size:      int64(len(data)),
	}
	itemData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal remote cache item: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, itemData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set remote cache in Redis: %w", err)
	}
	return nil
}

// Delete removes a value from Redis.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete from remote cache: %w", err)
	}
	return nil
}

// DeletePrefix removes all keys under keyPrefix+prefix using SCAN.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) error {
	pattern := s.keyPrefix + prefix + "*"

	var cursor uint64
	var keys []string
	for {
		var batch []string
		var err error
		batch, cursor, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan remote cache keys: %w", err)
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}

	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete remote cache keys: %w", err)
		}
	}
	return nil
}
