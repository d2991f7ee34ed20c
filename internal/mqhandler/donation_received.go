package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	mqcontracts "crowdfund/contracts/mq"
	"crowdfund/internal/apperror"
	"crowdfund/internal/cachekeys"
	"crowdfund/internal/model"
	"crowdfund/internal/realtime"
	"crowdfund/internal/repository"
	"crowdfund/pkg/cache"
	"crowdfund/pkg/logger"
	"crowdfund/pkg/metrics"
)

type CampaignReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
}

type EscrowCalculator interface {
	CalculateAvailableAmount(ctx context.Context, campaignID uuid.UUID, currentAmount decimal.Decimal) (decimal.Decimal, error)
}

type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// DonationUpdate campaign 频道上的捐款广播
type DonationUpdate struct {
	CampaignID    uuid.UUID       `json:"campaign_id"`
	DonationID    uuid.UUID       `json:"donation_id"`
	Amount        decimal.Decimal `json:"amount"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	GoalAmount    decimal.Decimal `json:"goal_amount"`
}

// DonationReceivedHandler 捐款入账后刷新缓存、重算可提现金额、通知创建者并广播
type DonationReceivedHandler struct {
	campaigns CampaignReader
	escrow    EscrowCalculator
	notifier  Notifier
	dedupe    Deduper
	cache     cache.Cache
	delivery  Delivery
	logger    *zap.Logger
}

func NewDonationReceivedHandler(
	campaigns CampaignReader,
	escrow EscrowCalculator,
	notifier Notifier,
	dedupe Deduper,
	c cache.Cache,
	delivery Delivery,
	logger *zap.Logger,
) *DonationReceivedHandler {
	return &DonationReceivedHandler{
		campaigns: campaigns,
		escrow:    escrow,
		notifier:  notifier,
		dedupe:    dedupe,
		cache:     c,
		delivery:  delivery,
		logger:    logger,
	}
}

func (h *DonationReceivedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.DonationReceivedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal DonationReceivedPayload", zap.Error(err))
		return err
	}
	if p.DonationID == uuid.Nil || p.CampaignID == uuid.Nil {
		return errors.New("donation.received without donation_id or campaign_id")
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("donation_id", p.DonationID.String()),
		zap.String("campaign_id", p.CampaignID.String()),
	)

	id := p.DonationID.String()
	if !h.dedupe.AcquireOnce(ctx, HandlerDonationReceived, id) {
		return nil
	}
	if err := h.process(ctx, p, log); err != nil {
		h.dedupe.Release(ctx, HandlerDonationReceived, id)
		return err
	}
	return nil
}

func (h *DonationReceivedHandler) process(ctx context.Context, p mqcontracts.DonationReceivedPayload, log *zap.Logger) error {
	c, err := h.campaigns.GetByID(ctx, p.CampaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperror.New(apperror.CampaignNotFound, "campaign %s not found", p.CampaignID)
	}
	if err != nil {
		return retryable(fmt.Errorf("load campaign: %w", err))
	}

	if err := h.cache.InvalidateMany(ctx, cachekeys.EscrowChange(c)...); err != nil {
		metrics.IncrementSideEffectFailure("cache_invalidation")
		log.Warn("Failed to invalidate campaign keys", zap.Error(err))
	}

	available, err := h.escrow.CalculateAvailableAmount(ctx, c.ID, c.CurrentAmount)
	if err != nil {
		return transient(fmt.Errorf("calculate available amount: %w", err))
	}

	campaignID := c.ID
	if err := h.notifier.Notify(ctx, model.Notification{
		ReceiverID: c.CreatorID,
		SenderID:   p.DonorID,
		Type:       model.NotifyDonationReceived,
		CampaignID: &campaignID,
		Message: fmt.Sprintf("Your campaign %q received a donation of %s. Available for withdrawal: %s",
			c.Title, p.Amount.StringFixed(2), available.StringFixed(2)),
	}); err != nil {
		return retryable(fmt.Errorf("notify creator: %w", err))
	}

	// 通知已写入，广播失败不再重投，避免重复通知
	update := DonationUpdate{
		CampaignID:    c.ID,
		DonationID:    p.DonationID,
		Amount:        p.Amount,
		CurrentAmount: c.CurrentAmount,
		GoalAmount:    c.GoalAmount,
	}
	if err := h.delivery.Broadcast(ctx, c.ID, realtime.Message{Type: mqcontracts.DonationReceived, Data: update}); err != nil {
		log.Warn("Failed to broadcast donation", zap.Error(err))
	}

	log.Info("Donation processed",
		zap.String("current_amount", c.CurrentAmount.String()),
		zap.String("available", available.String()),
	)
	return nil
}
