package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqcontracts "crowdfund/contracts/mq"
	"crowdfund/internal/cachekeys"
	"crowdfund/internal/model"
	"crowdfund/internal/realtime"
	"crowdfund/pkg/cache"
	"crowdfund/pkg/logger"
	"crowdfund/pkg/metrics"
)

type NotificationViewer interface {
	View(ctx context.Context, id uuid.UUID) (*model.NotificationView, error)
}

// NotificationCreatedHandler 回表补全后推送到接收者的个人频道，从不广播
type NotificationCreatedHandler struct {
	views    NotificationViewer
	dedupe   Deduper
	cache    cache.Cache
	delivery Delivery
	logger   *zap.Logger
}

func NewNotificationCreatedHandler(views NotificationViewer, dedupe Deduper, c cache.Cache, delivery Delivery, logger *zap.Logger) *NotificationCreatedHandler {
	return &NotificationCreatedHandler{
		views:    views,
		dedupe:   dedupe,
		cache:    c,
		delivery: delivery,
		logger:   logger,
	}
}

func (h *NotificationCreatedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.NotificationCreatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal NotificationCreatedPayload", zap.Error(err))
		return err
	}
	if p.NotificationID == uuid.Nil {
		return errors.New("notification.created without notification_id")
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("notification_id", p.NotificationID.String()),
		zap.String("receiver_id", p.ReceiverID.String()),
	)

	id := p.NotificationID.String()
	if !h.dedupe.AcquireOnce(ctx, HandlerNotificationCreated, id) {
		metrics.IncrementFanoutDelivery(realtime.KindUser, "duplicate")
		return nil
	}

	if err := h.deliver(ctx, p, log); err != nil {
		h.dedupe.Release(ctx, HandlerNotificationCreated, id)
		return err
	}
	return nil
}

func (h *NotificationCreatedHandler) deliver(ctx context.Context, p mqcontracts.NotificationCreatedPayload, log *zap.Logger) error {
	view, err := h.views.View(ctx, p.NotificationID)
	if err != nil {
		log.Warn("Failed to load notification", zap.Error(err))
		return transient(fmt.Errorf("load notification: %w", err))
	}

	// 接收者以数据库为准
	receiver := view.ReceiverID
	if err := h.cache.InvalidateMany(ctx, cachekeys.NotificationsByUser(receiver)); err != nil {
		metrics.IncrementSideEffectFailure("cache_invalidation")
		log.Warn("Failed to invalidate notification list", zap.Error(err))
	}

	if err := h.delivery.ToUser(ctx, receiver, realtime.Message{Type: mqcontracts.NotificationCreated, Data: view}); err != nil {
		return retryable(err)
	}

	log.Info("Notification delivered", zap.String("type", view.Type))
	return nil
}
