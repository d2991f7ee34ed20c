package mq

import "time"

// Routing keys on the events exchange.
const (
	CampaignCreated   = "campaign.created"
	CampaignApproved  = "campaign.approved"
	CampaignRejected  = "campaign.rejected"
	CampaignCancelled = "campaign.cancelled"
	CampaignCompleted = "campaign.completed"
	CampaignUpdated   = "campaign.updated"
	CampaignDeleted   = "campaign.deleted"

	EscrowRequestCreated   = "escrow.request.created"
	EscrowRequestCancelled = "escrow.request.cancelled"
	EscrowVotingOpened     = "escrow.voting.opened"
	EscrowVotingCompleted  = "escrow.voting.completed"
	EscrowRequestApproved  = "escrow.request.approved"
	EscrowRequestReleased  = "escrow.request.released"
	EscrowRequestRejected  = "escrow.request.rejected"

	UpdateRequestCreated  = "update_request.created"
	UpdateRequestApproved = "update_request.approved"
	UpdateRequestRejected = "update_request.rejected"

	NotificationCreated = "notification.created"

	// CampaignPublic 广播到 campaign:<id> 频道的公开事件
	CampaignPublic = "campaign.public"

	// DonationReceived 由外部支付协作方发布
	DonationReceived = "donation.received"
)

// Meta 所有事件共有的元数据
type Meta struct {
	Event      string    `json:"event"`
	TraceID    string    `json:"trace_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewMeta(event, traceID string, at time.Time) Meta {
	return Meta{Event: event, TraceID: traceID, OccurredAt: at.UTC()}
}
