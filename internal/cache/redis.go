// Package cache remembers finished generations in Redis so identical
// requests reuse the existing video.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/lipsync"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(cfg config.CacheConfig) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix, time.Duration(cfg.TTLSeconds)*time.Second)
}

func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

// Key is the redis key for a request fingerprint.
func (c *Cache) Key(fingerprint string) string {
	return c.prefix + fingerprint
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Lookup(ctx context.Context, fingerprint string) (lipsync.Result, bool, error) {
	val, err := c.client.Get(ctx, c.Key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return lipsync.Result{}, false, nil
	}
	if err != nil {
		return lipsync.Result{}, false, fmt.Errorf("cache get: %w", err)
	}
	var res lipsync.Result
	if err := json.Unmarshal(val, &res); err != nil {
		return lipsync.Result{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	return res, true, nil
}

func (c *Cache) Store(ctx context.Context, fingerprint string, res lipsync.Result) error {
	res.Cached = false
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return c.client.Set(ctx, c.Key(fingerprint), data, c.ttl).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
