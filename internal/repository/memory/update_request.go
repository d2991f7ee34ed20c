package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"crowdfund/internal/model"
	"crowdfund/internal/repository"
)

type UpdateRequestRepo struct {
	st *state
}

func (r *UpdateRequestRepo) Insert(_ context.Context, u *model.UpdateRequest) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	if u.Status == model.UpdateRequestPending {
		for _, other := range r.st.updates {
			if other.CampaignID == u.CampaignID && other.Status == model.UpdateRequestPending {
				return repository.ErrDuplicate
			}
		}
	}
	u.Version = 1
	u.UpdatedAt = u.CreatedAt
	stored := *u
	stored.RequestedChanges = cloneChanges(u.RequestedChanges)
	r.st.updates[u.ID] = stored
	return nil
}

func (r *UpdateRequestRepo) GetByID(_ context.Context, id uuid.UUID) (*model.UpdateRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	u, ok := r.st.updates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneUpdate(u), nil
}

func (r *UpdateRequestRepo) GetPendingByCampaign(_ context.Context, campaignID uuid.UUID) (*model.UpdateRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	for _, u := range r.st.updates {
		if u.CampaignID == campaignID && u.Status == model.UpdateRequestPending {
			return cloneUpdate(u), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *UpdateRequestRepo) ListPending(_ context.Context) ([]model.UpdateRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	out := []model.UpdateRequest{}
	for _, u := range r.st.updates {
		if u.Status == model.UpdateRequestPending {
			out = append(out, *cloneUpdate(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Approve 与 PostgreSQL 版本一致：先检查 campaign 谓词，再检查请求状态，全部成立才写入
func (r *UpdateRequestRepo) Approve(_ context.Context, a repository.Approval) (*model.Campaign, *model.UpdateRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	snap := r.st.snapshot()
	c, err := r.st.update(a.CampaignID, a.ExpectedVersion, a.Patch, a.At, func(c model.Campaign) bool {
		return c.Status == model.CampaignActive
	})
	if err != nil {
		return nil, nil, err
	}

	u, ok := r.st.updates[a.RequestID]
	if !ok || u.Status != model.UpdateRequestPending {
		r.st.restore(snap)
		return nil, nil, repository.ErrStatusConflict
	}
	u.Status = model.UpdateRequestApproved
	u.ReviewedBy, u.ReviewedAt = &a.ReviewerID, &a.At
	u.Version++
	u.UpdatedAt = a.At
	r.st.updates[u.ID] = u
	return c, cloneUpdate(u), nil
}

func (r *UpdateRequestRepo) Reject(_ context.Context, id, adminID uuid.UUID, note string, at time.Time) (*model.UpdateRequest, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	u, ok := r.st.updates[id]
	if !ok || u.Status != model.UpdateRequestPending {
		return nil, repository.ErrStatusConflict
	}
	u.Status = model.UpdateRequestRejected
	u.ReviewedBy, u.ReviewedAt, u.AdminNote = &adminID, &at, note
	u.Version++
	u.UpdatedAt = at
	r.st.updates[id] = u
	return cloneUpdate(u), nil
}

func cloneUpdate(u model.UpdateRequest) *model.UpdateRequest {
	u.RequestedChanges = cloneChanges(u.RequestedChanges)
	return &u
}
