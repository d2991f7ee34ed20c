package mq

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EscrowEventPayload 提现请求状态变化事件
type EscrowEventPayload struct {
	Meta
	RequestID           uuid.UUID       `json:"request_id"`
	CampaignID          uuid.UUID       `json:"campaign_id"`
	MilestonePercentage int             `json:"milestone_percentage"`
	Amount              decimal.Decimal `json:"amount"`
	Status              string          `json:"status"`
	AutoCreated         bool            `json:"auto_created,omitempty"`
	VotingEndDate       *time.Time      `json:"voting_end_date,omitempty"`
	ActorID             uuid.UUID       `json:"actor_id,omitempty"`
}

func (p EscrowEventPayload) AggregateID() string { return p.RequestID.String() }
