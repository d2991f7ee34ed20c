package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	mqcontracts "crowdfund/contracts/mq"
	"crowdfund/internal/apperror"
	"crowdfund/internal/model"
	"crowdfund/internal/repository/memory"
	"crowdfund/internal/testutil"
	"crowdfund/pkg/rbac"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	cache    *testutil.Cache
	pub      *testutil.Publisher
	notifier *testutil.Notifier
	clock    *testutil.Clock
	svc      *Service
}

func newFixture() *fixture {
	store := memory.New()
	f := &fixture{
		store:    store,
		cache:    testutil.NewCache(),
		pub:      &testutil.Publisher{},
		notifier: &testutil.Notifier{},
		clock:    testutil.NewClock(t0),
	}
	f.svc = New(store.Campaigns, store.Escrow, f.notifier, testutil.Effects(f.cache, f.pub), f.cache,
		time.Minute, zap.NewNop(), WithClock(f.clock.Now))
	return f
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (f *fixture) seed(goal, current int64, end time.Time, ms model.Milestones) model.Campaign {
	if ms == nil {
		ms = model.Milestones{
			{Percentage: 50, CommitmentDays: 30},
			{Percentage: 100, CommitmentDays: 60},
		}
	}
	c := model.Campaign{
		ID:             uuid.New(),
		CreatorID:      uuid.New(),
		Title:          "Clinic",
		Category:       "health",
		GoalAmount:     dec(goal),
		CurrentAmount:  dec(current),
		ReleasedAmount: decimal.Zero,
		StartDate:      t0.Add(-60 * 24 * time.Hour),
		EndDate:        end,
		Status:         model.CampaignActive,
		Milestones:     ms,
		Version:        1,
	}
	f.store.PutCampaign(c)
	return c
}

func (f *fixture) seedRequest(c model.Campaign, pct int, amount int64, status model.WithdrawalStatus) model.WithdrawalRequest {
	w := model.WithdrawalRequest{
		ID:                  uuid.New(),
		CampaignID:          c.ID,
		RequestedBy:         c.CreatorID,
		Amount:              dec(amount),
		TotalAmount:         c.CurrentAmount,
		MilestonePercentage: pct,
		Status:              status,
		Version:             1,
		CreatedAt:           t0.Add(-48 * time.Hour),
	}
	f.store.PutRequest(w)
	return w
}

func TestCalculateAvailableAmount(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 1000, t0.Add(time.Hour), nil)
	f.seedRequest(c, 50, 300, model.WithdrawalReleased)
	f.seedRequest(c, 50, 200, model.WithdrawalCancelled)
	f.seedRequest(c, 50, 100, model.WithdrawalAdminRejected)

	got, err := f.svc.CalculateAvailableAmount(context.Background(), c.ID, c.CurrentAmount)
	if err != nil {
		t.Fatalf("CalculateAvailableAmount: %v", err)
	}
	if !got.Equal(dec(700)) {
		t.Fatalf("expected 700, got %s", got)
	}
}

func TestCreateManualRequest(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 600, t0.Add(24*time.Hour), nil)

	w, err := f.svc.CreateManualRequest(context.Background(), c.ID, rbac.User(c.CreatorID), 50, "phase one")
	if err != nil {
		t.Fatalf("CreateManualRequest: %v", err)
	}
	if !w.Amount.Equal(dec(300)) {
		t.Errorf("expected amount 300, got %s", w.Amount)
	}
	if w.Status != model.WithdrawalVotingInProgress || w.VotingEndDate == nil || !w.VotingEndDate.Equal(t0.Add(DefaultVotingWindow)) {
		t.Errorf("voting should be open: %+v", w)
	}
	if f.pub.Count(mqcontracts.EscrowRequestCreated) != 1 || f.pub.Count(mqcontracts.EscrowVotingOpened) != 1 {
		t.Errorf("unexpected events: %v", f.pub.RoutingKeys())
	}

	_, err = f.svc.CreateManualRequest(context.Background(), c.ID, rbac.User(c.CreatorID), 50, "again")
	if !apperror.HasCode(err, apperror.MilestoneAlreadyRequested) {
		t.Fatalf("expected MILESTONE_ALREADY_REQUESTED, got %v", err)
	}
}

func TestCreateManualRequestGuards(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 400, t0.Add(24*time.Hour), nil)
	ended := f.seed(1000, 1000, t0.Add(24*time.Hour), nil)
	ended.Status = model.CampaignCompleted
	f.store.PutCampaign(ended)
	drained := f.seed(1000, 1000, t0.Add(24*time.Hour), model.Milestones{
		{Percentage: 30, CommitmentDays: 1}, {Percentage: 50, CommitmentDays: 1}, {Percentage: 100, CommitmentDays: 1},
	})
	f.seedRequest(drained, 30, 1000, model.WithdrawalReleased)

	tests := []struct {
		name       string
		campaignID uuid.UUID
		actor      rbac.Actor
		pct        int
		code       apperror.Code
	}{
		{"missing campaign", uuid.New(), rbac.User(c.CreatorID), 50, apperror.CampaignNotFound},
		{"not creator", c.ID, rbac.User(uuid.New()), 50, apperror.Forbidden},
		{"not active", ended.ID, rbac.User(ended.CreatorID), 50, apperror.CampaignNotActive},
		{"unknown milestone", c.ID, rbac.User(c.CreatorID), 75, apperror.MilestoneNotFound},
		{"not reached", c.ID, rbac.User(c.CreatorID), 50, apperror.MilestoneNotReached},
		{"nothing left", drained.ID, rbac.User(drained.CreatorID), 50, apperror.NoAvailableAmount},
		{"system actor", c.ID, rbac.System(), 50, apperror.Forbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateManualRequest(context.Background(), tt.campaignID, tt.actor, tt.pct, "")
			if !apperror.HasCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestConcurrentManualRequestsOneWins(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 1000, t0.Add(24*time.Hour), nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateManualRequest(context.Background(), c.ID, rbac.User(c.CreatorID), 50, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !apperror.HasCode(err, apperror.MilestoneAlreadyRequested) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one success, got %d", ok)
	}
	if got := model.Reserved(f.store.Requests(c.ID)); !got.Equal(dec(500)) {
		t.Fatalf("expected 500 reserved, got %s", got)
	}
}

func TestFinalizeExpiredVotingIsIdempotent(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 1000, t0.Add(24*time.Hour), nil)
	w, err := f.svc.CreateManualRequest(context.Background(), c.ID, rbac.User(c.CreatorID), 50, "")
	if err != nil {
		t.Fatalf("CreateManualRequest: %v", err)
	}

	done, err := f.svc.FinalizeExpiredVoting(context.Background(), rbac.System())
	if err != nil || len(done) != 0 {
		t.Fatalf("window still open: %v %v", done, err)
	}

	f.clock.Advance(DefaultVotingWindow)
	done, err = f.svc.FinalizeExpiredVoting(context.Background(), rbac.System())
	if err != nil {
		t.Fatalf("FinalizeExpiredVoting: %v", err)
	}
	if len(done) != 1 || done[0].ID != w.ID || done[0].Status != model.WithdrawalVotingCompleted {
		t.Fatalf("unexpected finalized: %+v", done)
	}
	if len(f.notifier.AdminNotices()) != 1 {
		t.Error("admins should be notified")
	}

	done, _ = f.svc.FinalizeExpiredVoting(context.Background(), rbac.System())
	if len(done) != 0 {
		t.Fatalf("second run must be a no-op, got %d", len(done))
	}

	if _, err := f.svc.FinalizeExpiredVoting(context.Background(), rbac.Admin(uuid.New())); !apperror.HasCode(err, apperror.Forbidden) {
		t.Errorf("admins cannot run sweeps, got %v", err)
	}
}

func TestAdminApproveReleasesFunds(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 1000, t0.Add(24*time.Hour), nil)
	w := f.seedRequest(c, 50, 500, model.WithdrawalVotingCompleted)
	admin := uuid.New()

	got, err := f.svc.AdminApprove(context.Background(), w.ID, rbac.Admin(admin))
	if err != nil {
		t.Fatalf("AdminApprove: %v", err)
	}
	if got.Status != model.WithdrawalReleased || got.ReleasedAt == nil || *got.ReviewedBy != admin {
		t.Fatalf("unexpected request: %+v", got)
	}
	if !got.RemainingAmount.Equal(dec(500)) {
		t.Errorf("expected remaining 500, got %s", got.RemainingAmount)
	}
	stored, _ := f.store.Campaign(c.ID)
	if !stored.ReleasedAmount.Equal(dec(500)) || stored.Status != model.CampaignActive {
		t.Fatalf("unexpected campaign: released=%s status=%s", stored.ReleasedAmount, stored.Status)
	}
	for _, rk := range []string{mqcontracts.EscrowRequestApproved, mqcontracts.EscrowRequestReleased} {
		if f.pub.Count(rk) != 1 {
			t.Errorf("expected %s, got %v", rk, f.pub.RoutingKeys())
		}
	}

	if _, err := f.svc.AdminApprove(context.Background(), w.ID, rbac.Admin(admin)); !apperror.HasCode(err, apperror.InvalidStatus) {
		t.Fatalf("second approve: expected INVALID_STATUS, got %v", err)
	}
}

func TestFullReleaseCompletesCampaign(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 1000, t0.Add(24*time.Hour), nil)
	f.seedRequest(c, 50, 500, model.WithdrawalReleased)
	w := f.seedRequest(c, 100, 500, model.WithdrawalVotingCompleted)

	if _, err := f.svc.AdminApprove(context.Background(), w.ID, rbac.Admin(uuid.New())); err != nil {
		t.Fatalf("AdminApprove: %v", err)
	}
	stored, _ := f.store.Campaign(c.ID)
	if stored.Status != model.CampaignCompleted || stored.CompletedAt == nil {
		t.Fatalf("campaign should be completed, got %s", stored.Status)
	}
	if f.pub.Count(mqcontracts.CampaignCompleted) != 1 {
		t.Errorf("expected campaign.completed, got %v", f.pub.RoutingKeys())
	}
}

func TestAdminRejectLeavesFundsAvailable(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 1000, t0.Add(24*time.Hour), nil)
	w := f.seedRequest(c, 50, 500, model.WithdrawalVotingCompleted)

	if _, err := f.svc.AdminReject(context.Background(), w.ID, rbac.User(uuid.New()), "no"); !apperror.HasCode(err, apperror.Forbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	got, err := f.svc.AdminReject(context.Background(), w.ID, rbac.Admin(uuid.New()), "insufficient proof")
	if err != nil {
		t.Fatalf("AdminReject: %v", err)
	}
	if got.Status != model.WithdrawalAdminRejected || got.AdminNote != "insufficient proof" {
		t.Fatalf("unexpected request: %+v", got)
	}
	avail, _ := f.svc.CalculateAvailableAmount(context.Background(), c.ID, c.CurrentAmount)
	if !avail.Equal(dec(1000)) {
		t.Fatalf("rejected funds should be available again, got %s", avail)
	}
	if sent := f.notifier.Sent(); len(sent) != 1 || sent[0].ReceiverID != c.CreatorID {
		t.Errorf("creator should be notified: %+v", sent)
	}

	if _, err := f.svc.AdminReject(context.Background(), uuid.New(), rbac.Admin(uuid.New()), ""); !apperror.HasCode(err, apperror.RequestNotFound) {
		t.Errorf("expected REQUEST_NOT_FOUND, got %v", err)
	}
}

// 到期且没有历史请求时创建 100% 请求并立即开启投票
func TestSweepCreatesFinalRequest(t *testing.T) {
	f := newFixture()
	c := f.seed(2_000_000, 1_000_000, t0.Add(-24*time.Hour), nil)

	report, err := f.svc.ProcessExpiredCampaigns(context.Background(), rbac.System())
	if err != nil {
		t.Fatalf("ProcessExpiredCampaigns: %v", err)
	}
	if report.Processed != 1 || report.Created != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	reqs := f.store.Requests(c.ID)
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	w := reqs[0]
	if w.MilestonePercentage != 100 || !w.AutoCreated || w.Status != model.WithdrawalVotingInProgress {
		t.Fatalf("unexpected request: %+v", w)
	}
	if w.VotingEndDate == nil || !w.VotingEndDate.Equal(t0.Add(7*24*time.Hour)) {
		t.Fatalf("voting should end in 7 days, got %v", w.VotingEndDate)
	}
	if !w.Amount.Equal(dec(1_000_000)) {
		t.Errorf("expected full amount, got %s", w.Amount)
	}
	stored, _ := f.store.Campaign(c.ID)
	if stored.Status != model.CampaignCompleted {
		t.Errorf("campaign should be completed, got %s", stored.Status)
	}

	again, _ := f.svc.ProcessExpiredCampaigns(context.Background(), rbac.System())
	if again.Processed != 0 || len(f.store.Requests(c.ID)) != 1 {
		t.Fatalf("sweep must be idempotent: %+v", again)
	}
}

func TestSweepSupersedesLowerMilestones(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 1000, t0.Add(-time.Hour), nil)
	f.seedRequest(c, 30, 300, model.WithdrawalReleased)
	open := f.seedRequest(c, 50, 200, model.WithdrawalVotingInProgress)

	report, err := f.svc.ProcessExpiredCampaigns(context.Background(), rbac.System())
	if err != nil || report.Created != 1 {
		t.Fatalf("unexpected: %+v %v", report, err)
	}

	var final model.WithdrawalRequest
	for _, r := range f.store.Requests(c.ID) {
		switch {
		case r.ID == open.ID && r.Status != model.WithdrawalCancelled:
			t.Errorf("open 50%% request should be cancelled, got %s", r.Status)
		case r.MilestonePercentage == 100:
			final = r
		}
	}
	if !final.Amount.Equal(dec(700)) {
		t.Fatalf("expected final amount 700, got %s", final.Amount)
	}
	if f.pub.Count(mqcontracts.EscrowRequestCancelled) != 1 {
		t.Errorf("expected escrow.request.cancelled, got %v", f.pub.RoutingKeys())
	}
}

func TestSweepOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		ms      model.Milestones
		prior   []model.WithdrawalStatus
		outcome string
	}{
		{name: "no funds", current: 0, outcome: OutcomeNoFunds},
		{name: "no full milestone", current: 500, ms: model.Milestones{{Percentage: 50, CommitmentDays: 1}}, outcome: OutcomeNoFullMilestone},
		{name: "approved not released blocks", current: 500, prior: []model.WithdrawalStatus{model.WithdrawalAdminApproved}, outcome: OutcomeAlreadyRequested},
		{name: "voting blocks", current: 500, prior: []model.WithdrawalStatus{model.WithdrawalVotingInProgress}, outcome: OutcomeAlreadyRequested},
		{name: "rejected does not block", current: 500, prior: []model.WithdrawalStatus{model.WithdrawalAdminRejected}, outcome: OutcomeRequestCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			c := f.seed(1000, tt.current, t0.Add(-time.Hour), tt.ms)
			for _, st := range tt.prior {
				f.seedRequest(c, 100, tt.current, st)
			}

			report, err := f.svc.ProcessExpiredCampaigns(context.Background(), rbac.System())
			if err != nil {
				t.Fatalf("ProcessExpiredCampaigns: %v", err)
			}
			if len(report.Results) != 1 || report.Results[0].Outcome != tt.outcome || !report.Results[0].Success {
				t.Fatalf("unexpected results: %+v", report.Results)
			}
			stored, _ := f.store.Campaign(c.ID)
			if stored.Status != model.CampaignCompleted {
				t.Errorf("campaign should be completed, got %s", stored.Status)
			}
		})
	}
}

func TestSweepSkipsFutureAndNonActive(t *testing.T) {
	f := newFixture()
	f.seed(1000, 1000, t0.Add(time.Hour), nil)

	report, err := f.svc.ProcessExpiredCampaigns(context.Background(), rbac.System())
	if err != nil || report.Processed != 0 {
		t.Fatalf("unexpected: %+v %v", report, err)
	}
	if _, err := f.svc.ProcessExpiredCampaigns(context.Background(), rbac.User(uuid.New())); !apperror.HasCode(err, apperror.Forbidden) {
		t.Errorf("expected FORBIDDEN, got %v", err)
	}
}

func TestListRequestsCached(t *testing.T) {
	f := newFixture()
	c := f.seed(1000, 1000, t0.Add(time.Hour), nil)
	f.seedRequest(c, 50, 100, model.WithdrawalPendingVoting)

	first, err := f.svc.ListRequests(context.Background(), c.ID)
	if err != nil || len(first) != 1 {
		t.Fatalf("ListRequests: %v %v", first, err)
	}
	f.seedRequest(c, 100, 100, model.WithdrawalPendingVoting)
	second, _ := f.svc.ListRequests(context.Background(), c.ID)
	if len(second) != 1 {
		t.Fatal("second read should come from cache")
	}
}
