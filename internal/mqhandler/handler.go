// Package mqhandler consumes domain events and turns them into cache
// invalidations and real-time pushes.
package mqhandler

import (
	"context"

	"github.com/google/uuid"

	"crowdfund/internal/apperror"
	"crowdfund/internal/realtime"
)

// Handler names, also used as dedupe namespaces.
const (
	HandlerNotificationCreated = "notification_created"
	HandlerCampaignPublic      = "campaign_public"
	HandlerDonationReceived    = "donation_received"
)

// Deduper util.Deduper 满足该接口
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, id string) bool
	Release(ctx context.Context, handler, id string)
}

// Delivery realtime.Hub 满足该接口
type Delivery interface {
	ToUser(ctx context.Context, userID uuid.UUID, msg realtime.Message) error
	Broadcast(ctx context.Context, campaignID uuid.UUID, msg realtime.Message) error
}

// retryableError 让消费者 nack 并重新入队
type retryableError struct{ err error }

func (e retryableError) Error() string   { return e.err.Error() }
func (e retryableError) Unwrap() error   { return e.err }
func (e retryableError) Retryable() bool { return true }

func retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// transient 记录不存在的错误进入死信，其余视为暂时故障
func transient(err error) error {
	if apperror.HasCode(err, apperror.NotFound) {
		return err
	}
	return retryable(err)
}
