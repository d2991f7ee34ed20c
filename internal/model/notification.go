package model

import (
	"time"

	"github.com/google/uuid"
)

// Notification types.
const (
	NotifyCampaignSubmitted      = "campaign_submitted"
	NotifyCampaignApproved       = "campaign_approved"
	NotifyCampaignRejected       = "campaign_rejected"
	NotifyCampaignCompleted      = "campaign_completed"
	NotifyDonationReceived       = "donation_received"
	NotifyEscrowVotingOpened     = "escrow_voting_opened"
	NotifyEscrowVotingCompleted  = "escrow_voting_completed"
	NotifyEscrowApproved         = "escrow_approved"
	NotifyEscrowRejected         = "escrow_rejected"
	NotifyUpdateRequestSubmitted = "update_request_submitted"
	NotifyUpdateRequestApproved  = "update_request_approved"
	NotifyUpdateRequestRejected  = "update_request_rejected"
)

type Notification struct {
	ID         uuid.UUID  `json:"id"`
	ReceiverID uuid.UUID  `json:"receiver_id"`
	SenderID   *uuid.UUID `json:"sender_id,omitempty"`
	Type       string     `json:"type"`
	PostID     *uuid.UUID `json:"post_id,omitempty"`
	CampaignID *uuid.UUID `json:"campaign_id,omitempty"`
	EventID    *uuid.UUID `json:"event_id,omitempty"`
	Message    string     `json:"message"`
	IsRead     bool       `json:"is_read"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NotificationView 客户端使用的形态，补全发送者资料
type NotificationView struct {
	Notification
	SenderUsername  string `json:"sender_username,omitempty"`
	SenderAvatarURL string `json:"sender_avatar_url,omitempty"`
}
