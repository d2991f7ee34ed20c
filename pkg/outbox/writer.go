package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// aggregateRef 由 payload 实现，用于填充 aggregate_id
type aggregateRef interface {
	AggregateID() string
}

// Writer 把领域事件写入 outbox 表，由 Dispatcher 异步投递
type Writer struct {
	repo *Repository
}

func NewWriter(repo *Repository) *Writer {
	return &Writer{repo: repo}
}

// Publish 实现事件发布端口
func (w *Writer) Publish(ctx context.Context, routingKey string, payload any) error {
	return w.PublishTx(ctx, nil, routingKey, payload)
}

// PublishTx 在给定事务中写入事件
func (w *Writer) PublishTx(ctx context.Context, q Querier, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	event := &Event{
		AggregateType: aggregateType(routingKey),
		RoutingKey:    routingKey,
		Payload:       body,
		Status:        StatusPending,
	}
	if ref, ok := payload.(aggregateRef); ok {
		id := ref.AggregateID()
		event.AggregateID = &id
	}

	return w.repo.InsertEvent(ctx, q, event)
}

// aggregateType campaign.approved -> campaign, escrow.request.created -> escrow
func aggregateType(routingKey string) string {
	if i := strings.IndexByte(routingKey, '.'); i > 0 {
		return routingKey[:i]
	}
	return routingKey
}
