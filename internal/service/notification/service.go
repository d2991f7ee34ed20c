// Package notification persists per-user notifications and announces them
// on notification.created for real-time delivery.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqcontracts "crowdfund/contracts/mq"
	"crowdfund/internal/apperror"
	"crowdfund/internal/cachekeys"
	"crowdfund/internal/effects"
	"crowdfund/internal/model"
	"crowdfund/internal/repository"
	"crowdfund/pkg/cache"
	"crowdfund/pkg/logger"
	"crowdfund/pkg/rbac"
	"crowdfund/pkg/trace"
)

// DefaultListLimit 单次列表返回的最大条数
const DefaultListLimit = 50

type Repository interface {
	Insert(ctx context.Context, n *model.Notification) error
	GetView(ctx context.Context, id uuid.UUID) (*model.NotificationView, error)
	ListByReceiver(ctx context.Context, receiverID uuid.UUID, limit int) ([]model.NotificationView, error)
	MarkRead(ctx context.Context, id, receiverID uuid.UUID) error
}

type AdminLister interface {
	ListAdminIDs(ctx context.Context) ([]uuid.UUID, error)
}

type Service struct {
	repo   Repository
	admins AdminLister
	fx     *effects.Effects
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New 创建通知服务，now 为 nil 时使用 time.Now
func New(repo Repository, admins AdminLister, fx *effects.Effects, c cache.Cache, ttl time.Duration, logger *zap.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, admins: admins, fx: fx, cache: c, ttl: ttl, logger: logger, now: now}
}

// Notify 写入一条通知并发布 notification.created
func (s *Service) Notify(ctx context.Context, n model.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = s.now()
	n.IsRead = false

	if err := s.repo.Insert(ctx, &n); err != nil {
		return fmt.Errorf("notify %s: %w", n.ReceiverID, err)
	}

	s.fx.Publish(ctx, mqcontracts.NotificationCreated, mqcontracts.NotificationCreatedPayload{
		Meta:           mqcontracts.NewMeta(mqcontracts.NotificationCreated, trace.FromContext(ctx), n.CreatedAt),
		NotificationID: n.ID,
		ReceiverID:     n.ReceiverID,
		Type:           n.Type,
	})
	return nil
}

// NotifyAdmins 给每个管理员发送一份副本，单个失败不影响其他管理员
func (s *Service) NotifyAdmins(ctx context.Context, n model.Notification) error {
	ids, err := s.admins.ListAdminIDs(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}

	var errs []error
	for _, id := range ids {
		msg := n
		msg.ID = uuid.Nil
		msg.ReceiverID = id
		if err := s.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		logger.WithTrace(ctx, s.logger).Warn("Some admin notifications failed",
			zap.String("type", n.Type),
			zap.Int("failed", len(errs)),
			zap.Int("admins", len(ids)),
		)
	}
	return errors.Join(errs...)
}

// List 返回调用方自己的通知，cache-aside
func (s *Service) List(ctx context.Context, actor rbac.Actor) ([]model.NotificationView, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionReadOwn); err != nil {
		return nil, apperror.New(apperror.Forbidden, "cannot read notifications").Wrap(err)
	}

	key := cachekeys.NotificationsByUser(actor.ID)
	var cached []model.NotificationView
	if hit, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		s.logger.Warn("Notification cache read failed", zap.String("key", key), zap.Error(err))
	} else if hit {
		return cached, nil
	}

	views, err := s.repo.ListByReceiver(ctx, actor.ID, DefaultListLimit)
	if err != nil {
		return nil, apperror.Wrap(err, "list notifications")
	}
	if err := cache.SetJSON(ctx, s.cache, key, views, s.ttl); err != nil {
		s.logger.Warn("Notification cache write failed", zap.String("key", key), zap.Error(err))
	}
	return views, nil
}

// MarkRead 只有接收者本人可以标记已读
func (s *Service) MarkRead(ctx context.Context, actor rbac.Actor, id uuid.UUID) error {
	if err := rbac.CheckPermission(actor, rbac.PermissionReadOwn); err != nil {
		return apperror.New(apperror.Forbidden, "cannot read notifications").Wrap(err)
	}

	err := s.repo.MarkRead(ctx, id, actor.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperror.New(apperror.NotFound, "notification %s not found", id)
	}
	if err != nil {
		return apperror.Wrap(err, "mark notification read")
	}

	s.fx.Invalidate(ctx, cachekeys.NotificationsByUser(actor.ID))
	return nil
}

// View 回表读取通知，实时推送使用
func (s *Service) View(ctx context.Context, id uuid.UUID) (*model.NotificationView, error) {
	v, err := s.repo.GetView(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.New(apperror.NotFound, "notification %s not found", id)
	}
	if err != nil {
		return nil, apperror.Wrap(err, "get notification")
	}
	return v, nil
}
