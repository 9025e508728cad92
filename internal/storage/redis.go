package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "courier"

// RedisBackend keeps each area in one Redis hash
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to url (redis:// or rediss://) and verifies the
// connection with a ping
func NewRedisBackend(ctx context.Context, url, prefix string) (*RedisBackend, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisBackendFromClient(client, prefix), nil
}

// NewRedisBackendFromClient wraps an existing client
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) hash(area Area) string {
	return r.prefix + ":" + string(area)
}

func (r *RedisBackend) Get(ctx context.Context, area Area, keys []string) (map[string][]byte, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	values, err := r.client.HMGet(ctx, r.hash(area), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read keys: %w", err)
	}
	for i, value := range values {
		if s, ok := value.(string); ok {
			result[keys[i]] = []byte(s)
		}
	}
	return result, nil
}

func (r *RedisBackend) Set(ctx context.Context, area Area, items map[string][]byte) error {
	if err := checkArea(area); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	values := make(map[string]interface{}, len(items))
	for key, value := range items {
		values[key] = value
	}
	if err := r.client.HSet(ctx, r.hash(area), values).Err(); err != nil {
		return fmt.Errorf("failed to write keys: %w", err)
	}
	return nil
}

func (r *RedisBackend) Remove(ctx context.Context, area Area, keys []string) error {
	if err := checkArea(area); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, r.hash(area), keys...).Err(); err != nil {
		return fmt.Errorf("failed to remove keys: %w", err)
	}
	return nil
}

func (r *RedisBackend) Keys(ctx context.Context, area Area) ([]string, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	keys, err := r.client.HKeys(ctx, r.hash(area)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisBackend) BytesInUse(ctx context.Context, area Area) (int64, error) {
	if err := checkArea(area); err != nil {
		return 0, err
	}
	values, err := r.client.HGetAll(ctx, r.hash(area)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to measure area: %w", err)
	}
	var total int64
	for key, value := range values {
		total += int64(len(key) + len(value))
	}
	return total, nil
}

// Close closes the client
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
