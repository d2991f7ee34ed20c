package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"crowdfund/internal/model"
	"crowdfund/internal/repository"
)

type NotificationRepo struct {
	st *state
}

func (r *NotificationRepo) Insert(_ context.Context, n *model.Notification) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	if _, ok := r.st.notifications[n.ID]; ok {
		return repository.ErrDuplicate
	}
	r.st.notifications[n.ID] = *n
	return nil
}

func (r *NotificationRepo) GetView(_ context.Context, id uuid.UUID) (*model.NotificationView, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	n, ok := r.st.notifications[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	v := r.st.view(n)
	return &v, nil
}

func (r *NotificationRepo) ListByReceiver(_ context.Context, receiverID uuid.UUID, limit int) ([]model.NotificationView, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	out := []model.NotificationView{}
	for _, n := range r.st.notifications {
		if n.ReceiverID == receiverID {
			out = append(out, r.st.view(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *NotificationRepo) MarkRead(_ context.Context, id, receiverID uuid.UUID) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	n, ok := r.st.notifications[id]
	if !ok || n.ReceiverID != receiverID {
		return repository.ErrNotFound
	}
	n.IsRead = true
	r.st.notifications[id] = n
	return nil
}

func (st *state) view(n model.Notification) model.NotificationView {
	v := model.NotificationView{Notification: n}
	if n.SenderID != nil {
		if u, ok := st.users[*n.SenderID]; ok {
			v.SenderUsername, v.SenderAvatarURL = u.Username, u.AvatarURL
		}
	}
	return v
}

type UserRepo struct {
	st *state
}

func (r *UserRepo) ListAdminIDs(_ context.Context) ([]uuid.UUID, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	admins := []model.User{}
	for _, u := range r.st.users {
		if u.Role == "admin" {
			admins = append(admins, u)
		}
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].CreatedAt.Before(admins[j].CreatedAt) })
	ids := make([]uuid.UUID, 0, len(admins))
	for _, u := range admins {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (r *UserRepo) DeleteUnverifiedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var n int64
	for id, u := range r.st.users {
		if !u.IsVerified && u.CreatedAt.Before(cutoff) {
			delete(r.st.users, id)
			n++
		}
	}
	return n, nil
}

type EventRepo struct {
	st *state
}

func (r *EventRepo) CompleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var n int64
	for id, e := range r.st.events {
		if e.Status == model.EventCompleted || e.EndDate.After(now) {
			continue
		}
		e.Status = model.EventCompleted
		r.st.events[id] = e
		n++
	}
	return n, nil
}
