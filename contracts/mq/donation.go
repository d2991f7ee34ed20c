package mq

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DonationReceivedPayload 支付协作方在 current_amount 增加后发布
type DonationReceivedPayload struct {
	Meta
	DonationID uuid.UUID       `json:"donation_id"`
	CampaignID uuid.UUID       `json:"campaign_id"`
	DonorID    *uuid.UUID      `json:"donor_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
}
