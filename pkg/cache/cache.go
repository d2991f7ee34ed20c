// Package cache is the cache-aside port used by the services. Writers never
// update entries in place: they invalidate the affected keys and the next
// read repopulates them with a bounded TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"crowdfund/pkg/metrics"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("cache miss")

// Cache 缓存端口
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	InvalidateMany(ctx context.Context, keys ...string) error
}

// RedisCache 基于 go-redis 的实现
type RedisCache struct {
	rdb redis.UniversalClient
}

// NewRedisCache 创建 RedisCache
func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, nil
}

func (c *RedisCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// InvalidateMany 并发删除每个 key（集群模式下 key 可能落在不同 slot）
// 返回所有失败 key 的合并错误
func (c *RedisCache) InvalidateMany(ctx context.Context, keys ...string) error {
	keys = dedupe(keys)
	if len(keys) == 0 {
		return nil
	}

	errs := make([]error, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			if err := c.rdb.Del(ctx, key).Err(); err != nil {
				errs[i] = fmt.Errorf("cache del %s: %w", key, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// GetJSON 读取并解码 JSON，未命中返回 false
func GetJSON(ctx context.Context, c Cache, key string, dst interface{}) (bool, error) {
	raw, err := c.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		metrics.IncrementCacheRequest("miss")
		return false, nil
	}
	if err != nil {
		metrics.IncrementCacheRequest("error")
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		metrics.IncrementCacheRequest("error")
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	metrics.IncrementCacheRequest("hit")
	return true, nil
}

// SetJSON 编码为 JSON 并写入
func SetJSON(ctx context.Context, c Cache, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.SetWithTTL(ctx, key, raw, ttl)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
