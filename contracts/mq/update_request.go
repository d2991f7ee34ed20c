package mq

import "github.com/google/uuid"

// UpdateRequestEventPayload 内容修改申请事件
type UpdateRequestEventPayload struct {
	Meta
	RequestID  uuid.UUID `json:"request_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	CreatorID  uuid.UUID `json:"creator_id"`
	Status     string    `json:"status"`
	Fields     []string  `json:"fields,omitempty"`
	ReviewerID uuid.UUID `json:"reviewer_id,omitempty"`
}

func (p UpdateRequestEventPayload) AggregateID() string { return p.RequestID.String() }
