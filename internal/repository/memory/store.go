// Package memory is an in-process implementation of the repositories with
// the same predicates, unique indexes and transaction semantics as the
// PostgreSQL ones. Services are tested against it.
package memory

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crowdfund/internal/model"
)

type state struct {
	mu            sync.Mutex
	campaigns     map[uuid.UUID]model.Campaign
	requests      map[uuid.UUID]model.WithdrawalRequest
	updates       map[uuid.UUID]model.UpdateRequest
	notifications map[uuid.UUID]model.Notification
	users         map[uuid.UUID]model.User
	events        map[uuid.UUID]model.Event
}

// Store 聚合各实体仓库，共享同一份状态
type Store struct {
	st *state

	Campaigns      *CampaignRepo
	Escrow         *EscrowRepo
	UpdateRequests *UpdateRequestRepo
	Notifications  *NotificationRepo
	Users          *UserRepo
	Events         *EventRepo
}

func New() *Store {
	st := &state{
		campaigns:     map[uuid.UUID]model.Campaign{},
		requests:      map[uuid.UUID]model.WithdrawalRequest{},
		updates:       map[uuid.UUID]model.UpdateRequest{},
		notifications: map[uuid.UUID]model.Notification{},
		users:         map[uuid.UUID]model.User{},
		events:        map[uuid.UUID]model.Event{},
	}
	return &Store{
		st:             st,
		Campaigns:      &CampaignRepo{st: st},
		Escrow:         &EscrowRepo{st: st},
		UpdateRequests: &UpdateRequestRepo{st: st},
		Notifications:  &NotificationRepo{st: st},
		Users:          &UserRepo{st: st},
		Events:         &EventRepo{st: st},
	}
}

// PutCampaign 直接写入种子数据
func (s *Store) PutCampaign(c model.Campaign) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.campaigns[c.ID] = cloneCampaign(c)
}

// SetCurrentAmount 模拟捐款协作方修改 current_amount
func (s *Store) SetCurrentAmount(id uuid.UUID, amount decimal.Decimal) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	c, ok := s.st.campaigns[id]
	if !ok {
		return
	}
	c.CurrentAmount = amount
	c.Version++
	s.st.campaigns[id] = c
}

func (s *Store) PutRequest(w model.WithdrawalRequest) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.requests[w.ID] = w
}

func (s *Store) PutUser(u model.User) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.users[u.ID] = u
}

func (s *Store) PutEvent(e model.Event) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.events[e.ID] = e
}

// Campaign 返回当前快照，不存在时 ok 为 false
func (s *Store) Campaign(id uuid.UUID) (model.Campaign, bool) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	c, ok := s.st.campaigns[id]
	return cloneCampaign(c), ok
}

func (s *Store) Requests(campaignID uuid.UUID) []model.WithdrawalRequest {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return s.st.requestsOf(campaignID)
}

func (s *Store) AllNotifications() []model.Notification {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	out := make([]model.Notification, 0, len(s.st.notifications))
	for _, n := range s.st.notifications {
		out = append(out, n)
	}
	return out
}

func (s *Store) Event(id uuid.UUID) (model.Event, bool) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	e, ok := s.st.events[id]
	return e, ok
}

func (s *Store) User(id uuid.UUID) (model.User, bool) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	u, ok := s.st.users[id]
	return u, ok
}

func cloneCampaign(c model.Campaign) model.Campaign {
	c.GalleryImages = append([]string(nil), c.GalleryImages...)
	c.ProofDocumentsURL = append([]string(nil), c.ProofDocumentsURL...)
	c.Milestones = append(model.Milestones(nil), c.Milestones...)
	return c
}

func cloneChanges(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// snapshot/restore 用于事务回滚
type snapshot struct {
	campaigns map[uuid.UUID]model.Campaign
	requests  map[uuid.UUID]model.WithdrawalRequest
	updates   map[uuid.UUID]model.UpdateRequest
}

func (st *state) snapshot() snapshot {
	s := snapshot{
		campaigns: make(map[uuid.UUID]model.Campaign, len(st.campaigns)),
		requests:  make(map[uuid.UUID]model.WithdrawalRequest, len(st.requests)),
		updates:   make(map[uuid.UUID]model.UpdateRequest, len(st.updates)),
	}
	for k, v := range st.campaigns {
		s.campaigns[k] = cloneCampaign(v)
	}
	for k, v := range st.requests {
		s.requests[k] = v
	}
	for k, v := range st.updates {
		s.updates[k] = v
	}
	return s
}

func (st *state) restore(s snapshot) {
	st.campaigns = s.campaigns
	st.requests = s.requests
	st.updates = s.updates
}
