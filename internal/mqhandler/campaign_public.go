package mqhandler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqcontracts "crowdfund/contracts/mq"
	"crowdfund/internal/realtime"
	"crowdfund/pkg/logger"
)

// CampaignPublicHandler 把公开事件广播到 campaign:<id>
type CampaignPublicHandler struct {
	delivery Delivery
	logger   *zap.Logger
}

func NewCampaignPublicHandler(delivery Delivery, logger *zap.Logger) *CampaignPublicHandler {
	return &CampaignPublicHandler{delivery: delivery, logger: logger}
}

func (h *CampaignPublicHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.CampaignPublicPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal CampaignPublicPayload", zap.Error(err))
		return err
	}
	if p.CampaignID == uuid.Nil {
		return errors.New("campaign.public without campaign_id")
	}

	kind := p.Kind
	if kind == "" {
		kind = mqcontracts.CampaignPublic
	}
	if err := h.delivery.Broadcast(ctx, p.CampaignID, realtime.Message{Type: kind, Data: p}); err != nil {
		return retryable(err)
	}

	logger.WithTrace(ctx, h.logger).Debug("Campaign update broadcast",
		zap.String("campaign_id", p.CampaignID.String()),
		zap.String("kind", kind),
	)
	return nil
}
