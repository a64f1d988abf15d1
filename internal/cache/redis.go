// Package cache keeps materialized version content in Redis so repeated
// reads of old versions skip the delta replay.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "historydb:materialized:"

// RedisCache implements versioning.Cache. Entries are immutable, so the
// TTL only bounds memory use.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: defaultPrefix,
		ttl:    ttl,
	}
}

func (c *RedisCache) key(documentID string, seq uint64) string {
	return fmt.Sprintf("%s%s:%d", c.prefix, documentID, seq)
}

func (c *RedisCache) Get(ctx context.Context, documentID string, seq uint64) (string, bool, error) {
	text, err := c.client.Get(ctx, c.key(documentID, seq)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get materialized version: %w", err)
	}
	return text, true, nil
}

func (c *RedisCache) Put(ctx context.Context, documentID string, seq uint64, text string) error {
	if err := c.client.Set(ctx, c.key(documentID, seq), text, c.ttl).Err(); err != nil {
		return fmt.Errorf("store materialized version: %w", err)
	}
	return nil
}

// Forget drops every cached version of a document.
func (c *RedisCache) Forget(ctx context.Context, documentID string) error {
	iter := c.client.Scan(ctx, 0, c.prefix+documentID+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cached versions: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete cached versions: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
