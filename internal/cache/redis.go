package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"fluentsync/internal/config"
	"fluentsync/internal/domain"
	"fluentsync/internal/models"

	"github.com/golang/snappy"
	"github.com/redis/go-redis/v9"
)

var _ domain.ResponseCache = (*RedisCache)(nil)

const (
	namespaceKeyPrefix = "cache:"
	namespacesKey      = "cache:namespaces"
)

// NewRedisClient creates a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// RedisCache stores each namespace as a hash of request key to a
// snappy-compressed JSON response. Known namespaces are tracked in a set.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Match(ctx context.Context, namespace, key string) (*models.CachedResponse, error) {
	if r.client == nil {
		return nil, errors.New("redis client is nil")
	}
	raw, err := r.client.HGet(ctx, namespaceKeyPrefix+namespace, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached response: %w", err)
	}

	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress cached response: %w", err)
	}
	var resp models.CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached response: %w", err)
	}
	return &resp, nil
}

func (r *RedisCache) Put(ctx context.Context, namespace, key string, resp *models.CachedResponse) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal cached response: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, namespaceKeyPrefix+namespace, key, snappy.Encode(nil, data))
	pipe.SAdd(ctx, namespacesKey, namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store cached response: %w", err)
	}
	return nil
}

func (r *RedisCache) Namespaces(ctx context.Context) ([]string, error) {
	if r.client == nil {
		return nil, errors.New("redis client is nil")
	}
	names, err := r.client.SMembers(ctx, namespacesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisCache) DeleteNamespace(ctx context.Context, namespace string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, namespaceKeyPrefix+namespace)
	pipe.SRem(ctx, namespacesKey, namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", namespace, err)
	}
	return nil
}
