package notification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqcontracts "crowdfund/contracts/mq"
	"crowdfund/internal/apperror"
	"crowdfund/internal/cachekeys"
	"crowdfund/internal/model"
	"crowdfund/internal/repository/memory"
	"crowdfund/internal/testutil"
	"crowdfund/pkg/rbac"
)

type fixture struct {
	store *memory.Store
	cache *testutil.Cache
	pub   *testutil.Publisher
	svc   *Service
}

func newFixture() *fixture {
	store := memory.New()
	c := testutil.NewCache()
	pub := &testutil.Publisher{}
	clock := testutil.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := New(store.Notifications, store.Users, testutil.Effects(c, pub), c, time.Minute, zap.NewNop(), clock.Now)
	return &fixture{store: store, cache: c, pub: pub, svc: svc}
}

func TestNotifyPersistsAndPublishes(t *testing.T) {
	f := newFixture()
	receiver := uuid.New()

	if err := f.svc.Notify(context.Background(), model.Notification{
		ReceiverID: receiver,
		Type:       model.NotifyCampaignApproved,
		Message:    "approved",
	}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	all := f.store.AllNotifications()
	if len(all) != 1 || all[0].ReceiverID != receiver {
		t.Fatalf("unexpected notifications: %+v", all)
	}
	events := f.pub.Events()
	if len(events) != 1 || events[0].RoutingKey != mqcontracts.NotificationCreated {
		t.Fatalf("unexpected events: %+v", events)
	}
	p := events[0].Payload.(mqcontracts.NotificationCreatedPayload)
	if p.NotificationID != all[0].ID || p.ReceiverID != receiver {
		t.Errorf("payload mismatch: %+v", p)
	}
}

func TestNotifyAdminsFansOutToEveryAdmin(t *testing.T) {
	f := newFixture()
	a1, a2 := uuid.New(), uuid.New()
	f.store.PutUser(model.User{ID: a1, Role: rbac.RoleAdmin})
	f.store.PutUser(model.User{ID: a2, Role: rbac.RoleAdmin})
	f.store.PutUser(model.User{ID: uuid.New(), Role: rbac.RoleUser})

	if err := f.svc.NotifyAdmins(context.Background(), model.Notification{Type: model.NotifyCampaignSubmitted}); err != nil {
		t.Fatalf("NotifyAdmins: %v", err)
	}

	got := map[uuid.UUID]bool{}
	for _, n := range f.store.AllNotifications() {
		got[n.ReceiverID] = true
	}
	if len(got) != 2 || !got[a1] || !got[a2] {
		t.Fatalf("expected one notification per admin, got %v", got)
	}
}

func TestListIsCachedAndIncludesSender(t *testing.T) {
	f := newFixture()
	receiver, sender := uuid.New(), uuid.New()
	f.store.PutUser(model.User{ID: sender, Username: "alice", AvatarURL: "https://cdn/a.png"})
	_ = f.svc.Notify(context.Background(), model.Notification{ReceiverID: receiver, SenderID: &sender, Type: model.NotifyDonationReceived})

	views, err := f.svc.List(context.Background(), rbac.User(receiver))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 1 || views[0].SenderUsername != "alice" {
		t.Fatalf("unexpected views: %+v", views)
	}
	if !f.cache.Has(cachekeys.NotificationsByUser(receiver)) {
		t.Error("list should be cached")
	}
}

func TestMarkReadReceiverOnly(t *testing.T) {
	f := newFixture()
	receiver := uuid.New()
	_ = f.svc.Notify(context.Background(), model.Notification{ReceiverID: receiver, Type: model.NotifyCampaignApproved})
	id := f.store.AllNotifications()[0].ID

	err := f.svc.MarkRead(context.Background(), rbac.User(uuid.New()), id)
	if !apperror.HasCode(err, apperror.NotFound) {
		t.Fatalf("expected NOT_FOUND for other user, got %v", err)
	}

	if err := f.svc.MarkRead(context.Background(), rbac.User(receiver), id); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !f.store.AllNotifications()[0].IsRead {
		t.Error("notification should be read")
	}
	found := false
	for _, k := range f.cache.Invalidated() {
		if k == cachekeys.NotificationsByUser(receiver) {
			found = true
		}
	}
	if !found {
		t.Error("list key should be invalidated")
	}
}

func TestListRejectsSystemActor(t *testing.T) {
	f := newFixture()
	_, err := f.svc.List(context.Background(), rbac.System())
	if !apperror.HasCode(err, apperror.Forbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}
