package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"crowdfund/internal/model"
	"crowdfund/internal/repository"
)

type CampaignRepo struct {
	st *state
}

func (r *CampaignRepo) Insert(_ context.Context, c *model.Campaign) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	if _, ok := r.st.campaigns[c.ID]; ok {
		return repository.ErrDuplicate
	}
	c.Version = 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt
	r.st.campaigns[c.ID] = cloneCampaign(*c)
	return nil
}

func (r *CampaignRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Campaign, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.campaign(id)
}

func (r *CampaignRepo) List(_ context.Context, f model.CampaignFilter) ([]model.Campaign, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	out := []model.Campaign{}
	for _, c := range r.st.campaigns {
		switch {
		case f.CreatorID != nil:
			if c.CreatorID != *f.CreatorID {
				continue
			}
		case f.Status != "":
			if c.Status != f.Status {
				continue
			}
		case f.Category != "":
			if c.Category != f.Category {
				continue
			}
		}
		out = append(out, cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *CampaignRepo) ListExpiredActive(_ context.Context, now time.Time) ([]model.Campaign, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	out := []model.Campaign{}
	for _, c := range r.st.campaigns {
		if c.Status == model.CampaignActive && !c.EndDate.After(now) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	return out, nil
}

func (r *CampaignRepo) Transition(_ context.Context, sc model.StatusChange) (*model.Campaign, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.transition(sc)
}

func (r *CampaignRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	c, ok := r.st.campaigns[id]
	if !ok || !c.CurrentAmount.IsZero() {
		return repository.ErrPrecondition
	}
	delete(r.st.campaigns, id)
	return nil
}

func (r *CampaignRepo) Update(_ context.Context, id uuid.UUID, expectedVersion int64, patch model.CampaignPatch, requireNoDonations bool, at time.Time) (*model.Campaign, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	return r.st.update(id, expectedVersion, patch, at, func(c model.Campaign) bool {
		return !requireNoDonations || c.CurrentAmount.IsZero()
	})
}

func (st *state) campaign(id uuid.UUID) (*model.Campaign, error) {
	c, ok := st.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneCampaign(c)
	return &out, nil
}

func (st *state) transition(sc model.StatusChange) (*model.Campaign, error) {
	c, ok := st.campaigns[sc.CampaignID]
	if !ok || c.Status != sc.From {
		return nil, repository.ErrStatusConflict
	}
	sc.Apply(&c)
	st.campaigns[c.ID] = c
	out := cloneCampaign(c)
	return &out, nil
}

func (st *state) update(id uuid.UUID, expectedVersion int64, patch model.CampaignPatch, at time.Time, pred func(model.Campaign) bool) (*model.Campaign, error) {
	c, ok := st.campaigns[id]
	if !ok || c.Version != expectedVersion || !pred(c) {
		return nil, repository.ErrVersionConflict
	}
	patch.Apply(&c)
	c.Version++
	c.UpdatedAt = at
	st.campaigns[id] = c
	out := cloneCampaign(c)
	return &out, nil
}
