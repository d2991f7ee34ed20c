// Package events wires the event publishing port to either the outbox table
// or the broker directly.
package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"crowdfund/internal/effects"
	"crowdfund/pkg/metrics"
	"crowdfund/pkg/mq"
	"crowdfund/pkg/outbox"
)

type Mode string

const (
	// ModeOutbox 写入 outbox_events，由 fanout 进程的 Dispatcher 转发
	ModeOutbox Mode = "outbox"
	// ModeDirect 直接发布到 events 交换机
	ModeDirect Mode = "direct"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeOutbox:
		return ModeOutbox, nil
	case ModeDirect:
		return ModeDirect, nil
	default:
		return "", fmt.Errorf("unknown events mode %q", s)
	}
}

// Counted 记录每次发布的结果
type Counted struct {
	mode Mode
	next effects.Publisher
}

func NewCounted(mode Mode, next effects.Publisher) *Counted {
	return &Counted{mode: mode, next: next}
}

func (c *Counted) Publish(ctx context.Context, routingKey string, payload any) error {
	if err := c.next.Publish(ctx, routingKey, payload); err != nil {
		metrics.IncrementEventPublished(string(c.mode), "failed")
		return err
	}
	metrics.IncrementEventPublished(string(c.mode), "ok")
	return nil
}

// Open 按 mode 创建发布端口，返回的 close 负责释放 broker 连接
func Open(mode Mode, pool *pgxpool.Pool, mqURL string, logger *zap.Logger) (effects.Publisher, func(), error) {
	switch mode {
	case ModeDirect:
		p, err := mq.NewPublisher(mqURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open mq publisher: %w", err)
		}
		logger.Info("Events published directly to broker")
		return NewCounted(mode, p), p.Close, nil
	case ModeOutbox:
		if pool == nil {
			return nil, nil, fmt.Errorf("outbox mode requires a database pool")
		}
		logger.Info("Events written to outbox")
		return NewCounted(mode, outbox.NewWriter(outbox.NewRepository(pool))), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown events mode %q", mode)
	}
}
