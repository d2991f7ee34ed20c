// Package realtime pushes payloads to subscribed clients over Redis Pub/Sub.
// Personal payloads go to user:<id>, public campaign updates to campaign:<id>.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crowdfund/pkg/circuitbreaker"
	"crowdfund/pkg/logger"
	"crowdfund/pkg/metrics"
)

// Channel kinds used in fanout_deliveries_total.
const (
	KindUser     = "user"
	KindCampaign = "campaign"
)

func UserChannel(id uuid.UUID) string { return "user:" + id.String() }

func CampaignChannel(id uuid.UUID) string { return "campaign:" + id.String() }

// Message 推送给客户端的信封
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Hub struct {
	rdb     redis.UniversalClient
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHub 创建推送中心，cfg 为零值时使用默认熔断配置
func NewHub(rdb redis.UniversalClient, cfg circuitbreaker.Config, log *zap.Logger) *Hub {
	if cfg.Name == "" {
		cfg = circuitbreaker.DefaultConfig("realtime")
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			log.Warn("Realtime circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	return &Hub{
		rdb:     rdb,
		breaker: circuitbreaker.NewCircuitBreaker(cfg),
		logger:  log,
	}
}

// ToUser 个人频道，只有接收者订阅
func (h *Hub) ToUser(ctx context.Context, userID uuid.UUID, msg Message) error {
	return h.publish(ctx, KindUser, UserChannel(userID), msg)
}

// Broadcast 活动公开频道
func (h *Hub) Broadcast(ctx context.Context, campaignID uuid.UUID, msg Message) error {
	return h.publish(ctx, KindCampaign, CampaignChannel(campaignID), msg)
}

// Subscribe 订阅频道，调用方负责 Close
func (h *Hub) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return h.rdb.Subscribe(ctx, channels...)
}

// State 熔断器当前状态，供 readiness 使用
func (h *Hub) State() circuitbreaker.State {
	return h.breaker.GetState()
}

func (h *Hub) publish(ctx context.Context, kind, channel string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	start := time.Now()
	err = h.breaker.Execute(func() error {
		return h.rdb.Publish(ctx, channel, body).Err()
	})
	if err != nil {
		metrics.IncrementFanoutDelivery(kind, "failed")
		logger.WithTrace(ctx, h.logger).Warn("Realtime delivery failed",
			zap.String("channel", channel),
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	metrics.IncrementFanoutDelivery(kind, "delivered")
	logger.WithTrace(ctx, h.logger).Debug("Realtime message delivered",
		zap.String("channel", channel),
		zap.String("type", msg.Type),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
