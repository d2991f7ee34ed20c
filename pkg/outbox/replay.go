package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReplayStore 重放需要的 outbox 读写，*Repository 实现该接口
type ReplayStore interface {
	Store
	GetEventByID(ctx context.Context, eventID int64) (*Event, error)
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
	ResetEvent(ctx context.Context, eventID int64) error
}

// ReplayService 提供重放 Outbox 事件的服务
type ReplayService struct {
	repo       ReplayStore
	sender     Sender
	maxRetries int
	logger     *zap.Logger
}

// NewReplayService 创建新的 ReplayService；maxRetries 与 Dispatcher 使用同一配置
func NewReplayService(repo ReplayStore, sender Sender, maxRetries int, logger *zap.Logger) *ReplayService {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &ReplayService{
		repo:       repo,
		sender:     sender,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// ReplayEvent 立即重新发送指定事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}

	ctx = contextFromPayload(ctx, event.Payload)
	if err := s.sender.PublishRaw(ctx, event.RoutingKey, event.Payload); err != nil {
		if markErr := s.repo.MarkAsFailed(ctx, eventID, s.maxRetries); markErr != nil {
			return fmt.Errorf("failed to publish and mark as failed: %w (mark error: %v)", err, markErr)
		}
		return fmt.Errorf("failed to publish: %w", err)
	}

	if err := s.repo.MarkAsSent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark as sent: %w", err)
	}
	return nil
}

// RequeueEvent 把事件放回 pending 并清零重试次数，由 Dispatcher 下一轮投递
func (s *ReplayService) RequeueEvent(ctx context.Context, eventID int64) error {
	if err := s.repo.ResetEvent(ctx, eventID); err != nil {
		return err
	}
	s.logger.Info("Outbox event requeued", zap.Int64("event_id", eventID))
	return nil
}

// ReplayFailedEvents 重放所有失败的事件，返回成功条数
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			s.logger.Warn("Replay failed",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			continue
		}
		successCount++
	}

	return successCount, nil
}
