package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crowdfund/pkg/config"
)

// NewRedisClient 创建 Redis 客户端（不检查连通性）
// go-redis 在连接断开后会按 MinRetryBackoff/MaxRetryBackoff 自动重连
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
	})
}

// Connect 创建客户端并以指数退避等待 Redis 可用
func Connect(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := NewRedisClient(cfg)

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}

	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = rdb.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			logger.Info("Redis connection established",
				zap.String("addr", cfg.Addr),
				zap.Int("attempt", attempt),
			)
			return rdb, nil
		}

		logger.Warn("Redis ping failed, retrying",
			zap.String("addr", cfg.Addr),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}

	_ = rdb.Close()
	return nil, fmt.Errorf("redis not reachable after %d attempts: %w", retries, lastErr)
}
