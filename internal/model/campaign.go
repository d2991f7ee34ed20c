package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignActive    CampaignStatus = "active"
	CampaignRejected  CampaignStatus = "rejected"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignCompleted CampaignStatus = "completed"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignPending, CampaignActive, CampaignRejected, CampaignCancelled, CampaignCompleted:
		return true
	}
	return false
}

// FullMilestone 终局里程碑，到期自动提现使用
const FullMilestone = 100

type Milestone struct {
	Percentage            int    `json:"percentage"`
	CommitmentDays        int    `json:"commitment_days"`
	CommitmentDescription string `json:"commitment_description"`
}

type Milestones []Milestone

// ErrInvalidMilestones 里程碑集合不合法
var ErrInvalidMilestones = errors.New("invalid milestones")

// Validate 百分比在 (0,100] 且不重复，恰好一个 100，承诺天数为正
func (m Milestones) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("%w: at least one milestone is required", ErrInvalidMilestones)
	}
	seen := make(map[int]bool, len(m))
	full := 0
	for _, ms := range m {
		if ms.Percentage <= 0 || ms.Percentage > 100 {
			return fmt.Errorf("%w: percentage %d out of range (0,100]", ErrInvalidMilestones, ms.Percentage)
		}
		if seen[ms.Percentage] {
			return fmt.Errorf("%w: duplicate percentage %d", ErrInvalidMilestones, ms.Percentage)
		}
		seen[ms.Percentage] = true
		if ms.CommitmentDays <= 0 {
			return fmt.Errorf("%w: commitment_days must be positive for %d%%", ErrInvalidMilestones, ms.Percentage)
		}
		if ms.Percentage == FullMilestone {
			full++
		}
	}
	if full != 1 {
		return fmt.Errorf("%w: exactly one milestone must be at 100%%", ErrInvalidMilestones)
	}
	return nil
}

func (m Milestones) Has(percentage int) bool {
	for _, ms := range m {
		if ms.Percentage == percentage {
			return true
		}
	}
	return false
}

type Campaign struct {
	ID                 uuid.UUID       `json:"id"`
	CreatorID          uuid.UUID       `json:"creator_id"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Category           string          `json:"category"`
	BannerImage        string          `json:"banner_image"`
	GalleryImages      []string        `json:"gallery_images"`
	ProofDocumentsURL  []string        `json:"proof_documents_url"`
	GoalAmount         decimal.Decimal `json:"goal_amount"`
	CurrentAmount      decimal.Decimal `json:"current_amount"`
	ReleasedAmount     decimal.Decimal `json:"released_amount"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	Status             CampaignStatus  `json:"status"`
	Milestones         Milestones      `json:"milestones"`
	ApprovedBy         *uuid.UUID      `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	RejectedBy         *uuid.UUID      `json:"rejected_by,omitempty"`
	RejectedAt         *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (c *Campaign) HasDonations() bool {
	return c.CurrentAmount.IsPositive()
}

// FundingPercent current/goal*100，goal 为 0 时返回 0
func (c *Campaign) FundingPercent() decimal.Decimal {
	if !c.GoalAmount.IsPositive() {
		return decimal.Zero
	}
	return c.CurrentAmount.Div(c.GoalAmount).Mul(decimal.NewFromInt(100))
}

// CampaignFilter 列表查询条件，最多使用一个维度
type CampaignFilter struct {
	Status    CampaignStatus
	Category  string
	CreatorID *uuid.UUID
}

// StatusChange 一次受保护的状态迁移，From 不匹配时不生效
type StatusChange struct {
	CampaignID uuid.UUID
	From       CampaignStatus
	To         CampaignStatus
	ActorID    uuid.UUID
	Reason     string
	At         time.Time
}

// Apply 把迁移写入内存中的 campaign，同时维护审计字段
func (sc StatusChange) Apply(c *Campaign) {
	at := sc.At
	actor := sc.ActorID
	c.Status = sc.To
	switch sc.To {
	case CampaignActive:
		c.ApprovedBy, c.ApprovedAt = &actor, &at
	case CampaignRejected:
		c.RejectedBy, c.RejectedAt, c.RejectionReason = &actor, &at, sc.Reason
	case CampaignCancelled:
		c.CancelledAt, c.CancellationReason = &at, sc.Reason
	case CampaignCompleted:
		c.CompletedAt = &at
	}
	c.Version++
	c.UpdatedAt = at
}
