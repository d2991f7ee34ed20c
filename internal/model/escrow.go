package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalPendingVoting    WithdrawalStatus = "pending_voting"
	WithdrawalVotingInProgress WithdrawalStatus = "voting_in_progress"
	WithdrawalVotingCompleted  WithdrawalStatus = "voting_completed"
	WithdrawalAdminApproved    WithdrawalStatus = "admin_approved"
	WithdrawalReleased         WithdrawalStatus = "released"
	WithdrawalAdminRejected    WithdrawalStatus = "admin_rejected"
	WithdrawalCancelled        WithdrawalStatus = "cancelled"
)

// Reserves reports whether a request in this status holds escrow funds.
// Released requests stay reserved: their amount has left the pool.
func (s WithdrawalStatus) Reserves() bool {
	return s != WithdrawalCancelled && s != WithdrawalAdminRejected
}

// Open 尚未进入审核结论的状态，可被更高里程碑取代
func (s WithdrawalStatus) Open() bool {
	switch s {
	case WithdrawalPendingVoting, WithdrawalVotingInProgress, WithdrawalVotingCompleted:
		return true
	}
	return false
}

// WithdrawalRequest 针对某个里程碑的托管资金提现请求
type WithdrawalRequest struct {
	ID                  uuid.UUID        `json:"id"`
	CampaignID          uuid.UUID        `json:"campaign_id"`
	RequestedBy         uuid.UUID        `json:"requested_by"`
	Amount              decimal.Decimal  `json:"withdrawal_request_amount"`
	TotalAmount         decimal.Decimal  `json:"total_amount"`
	RemainingAmount     decimal.Decimal  `json:"remaining_amount"`
	MilestonePercentage int              `json:"milestone_percentage"`
	AutoCreated         bool             `json:"auto_created"`
	Status              WithdrawalStatus `json:"request_status"`
	Reason              string           `json:"reason,omitempty"`
	VotingStartDate     *time.Time       `json:"voting_start_date,omitempty"`
	VotingEndDate       *time.Time       `json:"voting_end_date,omitempty"`
	ReviewedBy          *uuid.UUID       `json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time       `json:"reviewed_at,omitempty"`
	AdminNote           string           `json:"admin_note,omitempty"`
	ReleasedAt          *time.Time       `json:"released_at,omitempty"`
	CancelledAt         *time.Time       `json:"cancelled_at,omitempty"`
	Version             int64            `json:"version"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Reserved 累加仍占用托管资金的请求金额
func Reserved(requests []WithdrawalRequest) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range requests {
		if r.Status.Reserves() {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

// AvailableAmount currentAmount 减去已保留金额，不小于 0
func AvailableAmount(currentAmount decimal.Decimal, requests []WithdrawalRequest) decimal.Decimal {
	avail := currentAmount.Sub(Reserved(requests))
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}
