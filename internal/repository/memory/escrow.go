package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crowdfund/internal/model"
	"crowdfund/internal/repository"
)

type EscrowRepo struct {
	st *state
}

func (r *EscrowRepo) GetByID(_ context.Context, id uuid.UUID) (*model.WithdrawalRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	w, ok := r.st.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &w, nil
}

func (r *EscrowRepo) ListByCampaign(_ context.Context, campaignID uuid.UUID) ([]model.WithdrawalRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.requestsOf(campaignID), nil
}

func (r *EscrowRepo) OpenVoting(_ context.Context, id uuid.UUID, start, end time.Time) (*model.WithdrawalRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	return r.st.guarded(id, model.WithdrawalPendingVoting, start, func(w *model.WithdrawalRequest) {
		w.Status = model.WithdrawalVotingInProgress
		w.VotingStartDate, w.VotingEndDate = &start, &end
	})
}

func (r *EscrowRepo) FinalizeExpiredVoting(_ context.Context, now time.Time) ([]model.WithdrawalRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	out := []model.WithdrawalRequest{}
	for id, w := range r.st.requests {
		if w.Status != model.WithdrawalVotingInProgress || w.VotingEndDate == nil || w.VotingEndDate.After(now) {
			continue
		}
		w.Status = model.WithdrawalVotingCompleted
		w.Version++
		w.UpdatedAt = now
		r.st.requests[id] = w
		out = append(out, w)
	}
	sortRequests(out)
	return out, nil
}

func (r *EscrowRepo) Reject(_ context.Context, id, adminID uuid.UUID, note string, at time.Time) (*model.WithdrawalRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	return r.st.guarded(id, model.WithdrawalVotingCompleted, at, func(w *model.WithdrawalRequest) {
		w.Status = model.WithdrawalAdminRejected
		w.ReviewedBy, w.ReviewedAt, w.AdminNote = &adminID, &at, note
	})
}

// WithinTx 持有全局锁执行 fn，出错时恢复快照
func (r *EscrowRepo) WithinTx(_ context.Context, fn func(tx repository.EscrowTx) error) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	snap := r.st.snapshot()
	if err := fn(&escrowTx{st: r.st}); err != nil {
		r.st.restore(snap)
		return err
	}
	return nil
}

type escrowTx struct {
	st *state
}

func (t *escrowTx) LockCampaign(_ context.Context, campaignID uuid.UUID) (*model.Campaign, error) {
	return t.st.campaign(campaignID)
}

func (t *escrowTx) ListRequests(_ context.Context, campaignID uuid.UUID) ([]model.WithdrawalRequest, error) {
	return t.st.requestsOf(campaignID), nil
}

func (t *escrowTx) InsertRequest(_ context.Context, w *model.WithdrawalRequest) error {
	for _, other := range t.st.requests {
		if other.CampaignID == w.CampaignID &&
			other.MilestonePercentage == w.MilestonePercentage &&
			other.Status.Reserves() {
			return repository.ErrDuplicate
		}
	}
	w.Version = 1
	w.UpdatedAt = w.CreatedAt
	t.st.requests[w.ID] = *w
	return nil
}

func (t *escrowTx) CancelOpenBelow(_ context.Context, campaignID uuid.UUID, percentage int, at time.Time) ([]model.WithdrawalRequest, error) {
	out := []model.WithdrawalRequest{}
	for id, w := range t.st.requests {
		if w.CampaignID != campaignID || w.MilestonePercentage >= percentage || !w.Status.Open() {
			continue
		}
		w.Status = model.WithdrawalCancelled
		w.CancelledAt = &at
		w.Version++
		w.UpdatedAt = at
		t.st.requests[id] = w
		out = append(out, w)
	}
	sortRequests(out)
	return out, nil
}

func (t *escrowTx) ApproveRequest(_ context.Context, id, adminID uuid.UUID, at time.Time) (*model.WithdrawalRequest, error) {
	return t.st.guarded(id, model.WithdrawalVotingCompleted, at, func(w *model.WithdrawalRequest) {
		w.Status = model.WithdrawalAdminApproved
		w.ReviewedBy, w.ReviewedAt = &adminID, &at
	})
}

func (t *escrowTx) ReleaseRequest(_ context.Context, id uuid.UUID, remaining decimal.Decimal, at time.Time) (*model.WithdrawalRequest, error) {
	return t.st.guarded(id, model.WithdrawalAdminApproved, at, func(w *model.WithdrawalRequest) {
		w.Status = model.WithdrawalReleased
		w.ReleasedAt = &at
		w.RemainingAmount = remaining
	})
}

func (t *escrowTx) AddReleased(_ context.Context, campaignID uuid.UUID, amount decimal.Decimal, at time.Time) (*model.Campaign, error) {
	c, ok := t.st.campaigns[campaignID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c.ReleasedAmount = c.ReleasedAmount.Add(amount)
	c.Version++
	c.UpdatedAt = at
	t.st.campaigns[campaignID] = c
	out := cloneCampaign(c)
	return &out, nil
}

func (t *escrowTx) TransitionCampaign(_ context.Context, sc model.StatusChange) (*model.Campaign, error) {
	return t.st.transition(sc)
}

func (st *state) requestsOf(campaignID uuid.UUID) []model.WithdrawalRequest {
	out := []model.WithdrawalRequest{}
	for _, w := range st.requests {
		if w.CampaignID == campaignID {
			out = append(out, w)
		}
	}
	sortRequests(out)
	return out
}

func (st *state) guarded(id uuid.UUID, from model.WithdrawalStatus, at time.Time, mutate func(*model.WithdrawalRequest)) (*model.WithdrawalRequest, error) {
	w, ok := st.requests[id]
	if !ok || w.Status != from {
		return nil, repository.ErrStatusConflict
	}
	mutate(&w)
	w.Version++
	w.UpdatedAt = at
	st.requests[id] = w
	return &w, nil
}

func sortRequests(rs []model.WithdrawalRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].MilestonePercentage != rs[j].MilestonePercentage {
			return rs[i].MilestonePercentage < rs[j].MilestonePercentage
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
