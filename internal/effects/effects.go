// Package effects runs the post-commit side effects of a state change:
// cache invalidation, event publishing and notifications. None of them can
// fail the operation that triggered them; failures are logged and counted.
package effects

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"crowdfund/pkg/cache"
	"crowdfund/pkg/logger"
	"crowdfund/pkg/metrics"
)

// Publisher 事件发布端口，outbox.Writer 和 mq.Publisher 都实现它
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Side-effect kinds used in logs and side_effect_failures_total.
const (
	KindCache        = "cache_invalidation"
	KindEvent        = "event_publish"
	KindNotification = "notification"
)

type Effects struct {
	cache   cache.Cache
	pub     Publisher
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func New(c cache.Cache, pub Publisher, logger *zap.Logger, invalidateTimeout time.Duration) *Effects {
	if invalidateTimeout <= 0 {
		invalidateTimeout = 2 * time.Second
	}
	return &Effects{
		cache:   c,
		pub:     pub,
		logger:  logger,
		timeout: invalidateTimeout,
	}
}

// Invalidate 同步删除 keys，返回前所有删除都已发出；失败只记录
func (e *Effects) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.cache.InvalidateMany(ctx, keys...); err != nil {
		e.fail(ctx, KindCache, err, zap.Strings("keys", keys))
	}
}

// Publish 尽力发布事件
func (e *Effects) Publish(ctx context.Context, routingKey string, payload any) {
	if err := e.pub.Publish(context.WithoutCancel(ctx), routingKey, payload); err != nil {
		e.fail(ctx, KindEvent, err, zap.String("routing_key", routingKey))
	}
}

// Best 同步执行一个尽力而为的副作用
func (e *Effects) Best(ctx context.Context, kind string, fn func(context.Context) error) {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		e.fail(ctx, kind, err)
	}
}

// Go 异步执行副作用，脱离调用方的取消
func (e *Effects) Go(ctx context.Context, kind string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Side effect panic recovered", zap.String("kind", kind), zap.Any("panic", r))
				metrics.IncrementSideEffectFailure(kind)
			}
		}()
		if err := fn(ctx); err != nil {
			e.fail(ctx, kind, err)
		}
	}()
}

// Wait 等待所有异步副作用结束，进程退出前和测试中使用
func (e *Effects) Wait() {
	e.wg.Wait()
}

func (e *Effects) fail(ctx context.Context, kind string, err error, fields ...zap.Field) {
	metrics.IncrementSideEffectFailure(kind)
	fields = append(fields, zap.String("kind", kind), zap.Error(err))
	logger.WithTrace(ctx, e.logger).Warn("Side effect failed", fields...)
}
