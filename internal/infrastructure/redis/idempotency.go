// Package redis provides Redis-backed infrastructure shared across replicas.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"contia/internal/shared/config"
)

// NewClient connects to Redis. Returns nil when Redis is not configured;
// callers fall back to in-process implementations.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// IdempotencyStore deduplicates webhook event ids across replicas with
// SET NX and a TTL.
type IdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client, prefix: "contia:webhook:event:"}
}

// MarkSeen records the event id and reports whether this call was the first
// to see it within the TTL.
func (s *IdempotencyStore) MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	first, err := s.client.SetNX(ctx, s.prefix+eventID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event seen: %w", err)
	}
	return first, nil
}
