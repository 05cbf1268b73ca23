package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stepup:"

// RedisStore is a Store backed by a Redis cache. Expiry is delegated to the
// key TTL, so Satisfied is a single EXISTS.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session store and verifies the
// connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Assert sets the subject's step-up key with the given TTL, extending any
// existing assertion.
func (s *RedisStore) Assert(ctx context.Context, subjectID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyPrefix+subjectID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("asserting step-up for %s: %w", subjectID, err)
	}
	return nil
}

// Satisfied reports whether the subject's step-up key is still present.
func (s *RedisStore) Satisfied(ctx context.Context, subjectID string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+subjectID).Result()
	if err != nil {
		return false, fmt.Errorf("reading step-up for %s: %w", subjectID, err)
	}
	return n > 0, nil
}
