package mq

import "github.com/google/uuid"

// CampaignEventPayload 活动状态变化事件
type CampaignEventPayload struct {
	Meta
	CampaignID uuid.UUID `json:"campaign_id"`
	CreatorID  uuid.UUID `json:"creator_id"`
	ActorID    uuid.UUID `json:"actor_id,omitempty"`
	FromStatus string    `json:"from_status,omitempty"`
	Status     string    `json:"status"`
	Category   string    `json:"category,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Fields     []string  `json:"fields,omitempty"`
	Version    int64     `json:"version"`
}

func (p CampaignEventPayload) AggregateID() string { return p.CampaignID.String() }

// CampaignPublicPayload 公开事件，只包含可以广播的字段
type CampaignPublicPayload struct {
	Meta
	Kind          string    `json:"kind"` // campaign.approved / donation.received
	CampaignID    uuid.UUID `json:"campaign_id"`
	Title         string    `json:"title,omitempty"`
	Status        string    `json:"status,omitempty"`
	CurrentAmount string    `json:"current_amount,omitempty"`
	GoalAmount    string    `json:"goal_amount,omitempty"`
	DonationID    string    `json:"donation_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
}

func (p CampaignPublicPayload) AggregateID() string { return p.CampaignID.String() }
