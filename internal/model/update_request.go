package model

import (
	"time"

	"github.com/google/uuid"
)

type UpdateRequestStatus string

const (
	UpdateRequestPending  UpdateRequestStatus = "pending"
	UpdateRequestApproved UpdateRequestStatus = "approved"
	UpdateRequestRejected UpdateRequestStatus = "rejected"
)

// UpdatableFields 激活后允许通过审核修改的字段
var UpdatableFields = map[string]bool{
	FieldBannerImage:   true,
	FieldGalleryImages: true,
	FieldDescription:   true,
	FieldEndDate:       true,
}

type UpdateRequest struct {
	ID               uuid.UUID           `json:"id"`
	CampaignID       uuid.UUID           `json:"campaign_id"`
	CreatorID        uuid.UUID           `json:"creator_id"`
	RequestedChanges map[string]any      `json:"requested_changes"`
	Status           UpdateRequestStatus `json:"status"`
	ReviewedBy       *uuid.UUID          `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time          `json:"reviewed_at,omitempty"`
	AdminNote        string              `json:"admin_note,omitempty"`
	Version          int64               `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}
