package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bookpay/internal/config"
)

// RedisCheckoutCache stores checkout payloads per transaction id with a TTL
// matching the hold lifetime, and counts requests per caller for rate
// limiting. Payloads are opaque bytes; the gateway response is cached as-is.
type RedisCheckoutCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisCheckoutCache(client *redis.Client, ttl time.Duration) *RedisCheckoutCache {
	return &RedisCheckoutCache{client: client, ttl: ttl}
}

func checkoutKey(tranID string) string { return "checkout:" + tranID }

func (r *RedisCheckoutCache) SetCheckout(ctx context.Context, tranID string, payload []byte) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Set(ctx, checkoutKey(tranID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set checkout in redis: %w", err)
	}
	return nil
}

func (r *RedisCheckoutCache) GetCheckout(ctx context.Context, tranID string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, checkoutKey(tranID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout from redis: %w", err)
	}
	return val, nil
}

// CheckRateLimit counts requests for the key within a rolling window using
// INCR + EXPIRE. Returns false once the count exceeds the limit.
func (r *RedisCheckoutCache) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}

	redisKey := "ratelimit:" + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to incr rate limit: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to expire rate limit key: %w", err)
		}
	}
	return count <= int64(limit), nil
}
