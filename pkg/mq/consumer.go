package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"crowdfund/pkg/metrics"
	"crowdfund/pkg/otel"
	"crowdfund/pkg/trace"
	"crowdfund/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// Consumer 一个队列绑定多个 routing key，按 routing key 分发到 handler
type Consumer struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	queue    amqp091.Queue
	handlers map[string]MessageHandler
	dlq      *Publisher
	retries  *util.RetryCounter
	maxRetry int64
	name     string
	logger   *zap.Logger
}

// NewConsumer creates a consumer bound to every given routing key.
func NewConsumer(url, queueName string, routingKeys []string, logger *zap.Logger) (*Consumer, error) {
	if len(routingKeys) == 0 {
		return nil, fmt.Errorf("consumer %s: no routing keys", queueName)
	}

	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	cleanup := func() {
		ch.Close()
		conn.Close()
	}

	if err := DeclareExchange(ch); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to declare dlq exchange: %w", err)
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, rk := range routingKeys {
		if err := ch.QueueBind(q.Name, rk, ExchangeName, false, nil); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to bind queue to %s: %w", rk, err)
		}
		if _, err := DeclareDLQQueue(ch, rk); err != nil {
			cleanup()
			return nil, err
		}
	}

	if err := ch.Qos(32, 0, false); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.Strings("routing_keys", routingKeys),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:     conn,
		channel:  ch,
		queue:    q,
		handlers: make(map[string]MessageHandler, len(routingKeys)),
		name:     queueName,
		logger:   logger,
	}, nil
}

// Handle 注册 routing key 对应的处理函数
func (c *Consumer) Handle(routingKey string, h MessageHandler) {
	c.handlers[routingKey] = h
}

// WithDLQ 设置死信发布器；未设置时不可重试的消息直接丢弃
func (c *Consumer) WithDLQ(p *Publisher) *Consumer {
	c.dlq = p
	return c
}

// WithRetryCounter 按 MessageId 计数重试次数，超过 maxRetries 后转入死信
// 未设置时只允许一次重新投递
func (c *Consumer) WithRetryCounter(rc *util.RetryCounter, maxRetries int64) *Consumer {
	c.retries = rc
	c.maxRetry = maxRetries
	return c
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Run 阻塞消费直到 ctx 取消或连接关闭
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("consumer %s: no handlers registered", c.name)
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.name,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages", zap.String("queue", c.queue.Name))

	for {
		select {
		case <-ctx.Done():
			_ = c.channel.Cancel(c.name, false)
			c.logger.Info("Consumer stopped", zap.String("queue", c.queue.Name))
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consumer %s: delivery channel closed", c.name)
			}
			c.dispatch(ctx, msg)
		}
	}
}

// dispatch 保证每条消息都会被 ack 或 nack
func (c *Consumer) dispatch(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	rk := msg.RoutingKey
	log := c.logger.With(zap.String("routing_key", rk), zap.String("queue", c.queue.Name))

	ctx = otel.GetTextMapPropagator().Extract(ctx, otel.NewMQHeaderCarrier(msg.Headers))
	if traceID, ok := msg.Headers[HeaderTraceID].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	} else {
		ctx = trace.Ensure(ctx)
	}
	ctx, span := otel.MQConsumeSpan(ctx, rk, c.queue.Name)
	defer span.End()
	log = log.With(zap.String("trace_id", trace.FromContext(ctx)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered", zap.Any("panic", r))
			if err := msg.Nack(false, false); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
			c.deadLetter(ctx, msg, fmt.Sprintf("panic: %v", r), log)
		}
		metrics.RecordMQConsumeLatency(rk, c.queue.Name, time.Since(start))
	}()

	h, ok := c.handlers[rk]
	if !ok {
		log.Warn("No handler for routing key, dropping")
		_ = msg.Ack(false)
		return
	}

	err := h(ctx, msg.Body)
	if err == nil {
		if err := msg.Ack(false); err != nil {
			log.Error("Failed to ack message", zap.Error(err))
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	retryable, errType := util.IsRetryableError(err)
	if c.shouldRequeue(ctx, msg, retryable) {
		log.Warn("Handler failed, requeueing", zap.String("error_type", errType), zap.Error(err))
		if err := msg.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	log.Error("Handler failed, dead-lettering",
		zap.String("error_type", errType),
		zap.Bool("redelivered", msg.Redelivered),
		zap.Error(err),
	)
	if err := msg.Nack(false, false); err != nil {
		log.Error("Failed to nack message", zap.Error(err))
	}
	c.deadLetter(ctx, msg, err.Error(), log)
}

func (c *Consumer) shouldRequeue(ctx context.Context, msg amqp091.Delivery, retryable bool) bool {
	if !retryable {
		return false
	}
	if c.retries == nil || msg.MessageId == "" {
		return !msg.Redelivered
	}
	key := util.FormatRetryKey(c.name, msg.MessageId)
	count, err := c.retries.IncrementAndGet(ctx, key)
	if err != nil {
		return !msg.Redelivered
	}
	if util.ShouldRetry(count, c.maxRetry, retryable) {
		return true
	}
	_ = c.retries.Reset(ctx, key)
	return false
}

func (c *Consumer) deadLetter(ctx context.Context, msg amqp091.Delivery, reason string, log *zap.Logger) {
	if c.dlq == nil {
		return
	}
	if err := c.dlq.PublishToDLQ(ctx, msg.RoutingKey, msg.Body, msg.Headers, reason, c.name); err != nil {
		log.Error("Failed to publish to DLQ", zap.Error(err))
	}
}
