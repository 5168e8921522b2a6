package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCodeNotFound is returned by Lookup when a code does not exist or has
// already expired.
var ErrCodeNotFound = errors.New("invite code not found or expired")

// RedisStore maps live invite codes to space ids with a TTL. Codes are never
// deleted on redemption; they simply expire.
type RedisStore struct {
	client *redis.Client
	prefix string

	// singleActiveCode makes Save invalidate the space's previously issued
	// code, so at most one code per space is live at a time.
	singleActiveCode bool
}

// NewRedisStore creates a Redis-backed invite code store.
func NewRedisStore(redisURL string, singleActiveCode bool) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client:           client,
		prefix:           "invite:",
		singleActiveCode: singleActiveCode,
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, singleActiveCode bool) *RedisStore {
	return &RedisStore{
		client:           client,
		prefix:           "invite:",
		singleActiveCode: singleActiveCode,
	}
}

func (s *RedisStore) key(code string) string {
	return s.prefix + code
}

func (s *RedisStore) spaceKey(spaceID string) string {
	return s.prefix + "space:" + spaceID
}

// Save stores code -> spaceID with the given TTL, replacing any prior value
// for that exact code. Under the single-active-code policy it also drops the
// space's previously issued live code.
func (s *RedisStore) Save(ctx context.Context, code, spaceID string, ttl time.Duration) error {
	if s.singleActiveCode {
		prev, err := s.client.Get(ctx, s.spaceKey(spaceID)).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("read prior invite code: %w", err)
		}
		if err == nil && prev != "" && prev != code {
			if err := s.client.Del(ctx, s.key(prev)).Err(); err != nil {
				return fmt.Errorf("invalidate prior invite code: %w", err)
			}
		}
		if err := s.client.Set(ctx, s.spaceKey(spaceID), code, ttl).Err(); err != nil {
			return fmt.Errorf("track active invite code: %w", err)
		}
	}

	if err := s.client.Set(ctx, s.key(code), spaceID, ttl).Err(); err != nil {
		return fmt.Errorf("save invite code: %w", err)
	}
	return nil
}

// Lookup resolves a code to its space id, or ErrCodeNotFound.
func (s *RedisStore) Lookup(ctx context.Context, code string) (string, error) {
	spaceID, err := s.client.Get(ctx, s.key(code)).Result()
	if err == redis.Nil {
		return "", ErrCodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup invite code: %w", err)
	}
	return spaceID, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
