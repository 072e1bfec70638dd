package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 2 * time.Second
	scanBatch           = 200
)

// RedisStore is a Redis-backed Store.
//
// Every operation runs under a bounded query timeout so a slow Redis cannot
// stall the request path; callers see the error and decide how to degrade.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client in a RedisStore.
// The caller owns the client lifecycle (creation and Close).
func NewRedisStoreFromClient(redisCli *redis.Client) *RedisStore {
	return &RedisStore{client: redisCli, queryTimeout: defaultQueryTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns a RedisStore.
// Returns an error if the URL is invalid or the initial ping fails.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("kv: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("kv: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Get retrieves the value for key. Returns (nil, false, nil) when the key
// does not exist.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv: GET %s: %w", key, err)
	}

	return val, true, nil
}

// Set stores value under key. A zero ttl stores the key without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: SET %s: %w", key, err)
	}

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: DEL %s: %w", key, err)
	}

	return nil
}

// List returns all keys beginning with prefix, using cursor-based SCAN so
// large keyspaces never block the server.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv: SCAN %s*: %w", prefix, err)
	}

	return keys, nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
