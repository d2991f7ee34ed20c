// Package escrow governs milestone withdrawals from a campaign's held funds:
// manual requests, voting windows, admin review and release, and the expiry
// sweep that creates the final 100% request.
package escrow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	mqcontracts "crowdfund/contracts/mq"
	"crowdfund/internal/apperror"
	"crowdfund/internal/cachekeys"
	"crowdfund/internal/effects"
	"crowdfund/internal/model"
	"crowdfund/internal/repository"
	"crowdfund/pkg/cache"
	"crowdfund/pkg/logger"
	"crowdfund/pkg/metrics"
	"crowdfund/pkg/rbac"
	"crowdfund/pkg/trace"
)

// DefaultVotingWindow 投票窗口默认 7 天
const DefaultVotingWindow = 7 * 24 * time.Hour

var hundred = decimal.NewFromInt(100)

type CampaignReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	ListExpiredActive(ctx context.Context, now time.Time) ([]model.Campaign, error)
}

type RequestRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.WithdrawalRequest, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]model.WithdrawalRequest, error)
	OpenVoting(ctx context.Context, id uuid.UUID, start, end time.Time) (*model.WithdrawalRequest, error)
	FinalizeExpiredVoting(ctx context.Context, now time.Time) ([]model.WithdrawalRequest, error)
	Reject(ctx context.Context, id, adminID uuid.UUID, note string, at time.Time) (*model.WithdrawalRequest, error)
	WithinTx(ctx context.Context, fn func(tx repository.EscrowTx) error) error
}

type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
	NotifyAdmins(ctx context.Context, n model.Notification) error
}

type Service struct {
	campaigns    CampaignReader
	requests     RequestRepository
	notifier     Notifier
	fx           *effects.Effects
	cache        cache.Cache
	ttl          time.Duration
	votingWindow time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

type Option func(*Service)

func WithVotingWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.votingWindow = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(campaigns CampaignReader, requests RequestRepository, notifier Notifier, fx *effects.Effects, c cache.Cache, ttl time.Duration, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		campaigns:    campaigns,
		requests:     requests,
		notifier:     notifier,
		fx:           fx,
		cache:        c,
		ttl:          ttl,
		votingWindow: DefaultVotingWindow,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CalculateAvailableAmount currentAmount 减去仍占用资金的请求金额
func (s *Service) CalculateAvailableAmount(ctx context.Context, campaignID uuid.UUID, currentAmount decimal.Decimal) (decimal.Decimal, error) {
	reqs, err := s.requests.ListByCampaign(ctx, campaignID)
	if err != nil {
		return decimal.Zero, apperror.Wrap(err, "list withdrawal requests")
	}
	return model.AvailableAmount(currentAmount, reqs), nil
}

// CreateManualRequest creator 为已达成的里程碑申请提现；campaign 行锁保证并发创建串行化
func (s *Service) CreateManualRequest(ctx context.Context, campaignID uuid.UUID, actor rbac.Actor, percentage int, reason string) (*model.WithdrawalRequest, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionRequestEscrow); err != nil {
		return nil, apperror.New(apperror.Forbidden, "cannot request withdrawals").Wrap(err)
	}

	now := s.now()
	var created *model.WithdrawalRequest
	err := s.requests.WithinTx(ctx, func(tx repository.EscrowTx) error {
		c, err := tx.LockCampaign(ctx, campaignID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperror.New(apperror.CampaignNotFound, "campaign %s not found", campaignID)
		}
		if err != nil {
			return err
		}
		if !actor.Is(c.CreatorID) {
			return apperror.New(apperror.Forbidden, "only the creator can request a withdrawal")
		}
		if c.Status != model.CampaignActive {
			return apperror.New(apperror.CampaignNotActive, "campaign is %s", c.Status)
		}
		if !c.Milestones.Has(percentage) {
			return apperror.New(apperror.MilestoneNotFound, "campaign has no %d%% milestone", percentage)
		}
		if c.FundingPercent().LessThan(decimal.NewFromInt(int64(percentage))) {
			return apperror.New(apperror.MilestoneNotReached, "funding is at %s%%, milestone requires %d%%",
				c.FundingPercent().StringFixed(2), percentage)
		}

		reqs, err := tx.ListRequests(ctx, campaignID)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			if r.MilestonePercentage == percentage && r.Status.Reserves() {
				return apperror.New(apperror.MilestoneAlreadyRequested, "milestone %d%% already requested", percentage).WithConflict(r.ID)
			}
		}

		available := model.AvailableAmount(c.CurrentAmount, reqs)
		share := c.CurrentAmount.Mul(decimal.NewFromInt(int64(percentage))).Div(hundred).Sub(model.Reserved(reqs))
		amount := decimal.Min(available, share)
		if !amount.IsPositive() {
			return apperror.New(apperror.NoAvailableAmount, "no funds available for milestone %d%%", percentage)
		}

		w := &model.WithdrawalRequest{
			ID:                  uuid.New(),
			CampaignID:          campaignID,
			RequestedBy:         actor.ID,
			Amount:              amount,
			TotalAmount:         c.CurrentAmount,
			RemainingAmount:     available.Sub(amount),
			MilestonePercentage: percentage,
			Status:              model.WithdrawalPendingVoting,
			Reason:              reason,
			CreatedAt:           now,
		}
		if err := tx.InsertRequest(ctx, w); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return apperror.New(apperror.MilestoneAlreadyRequested, "milestone %d%% already requested", percentage)
			}
			return err
		}
		created = w
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "create withdrawal request")
	}

	logger.WithTrace(ctx, s.logger).Info("Withdrawal request created",
		zap.String("request_id", created.ID.String()),
		zap.String("campaign_id", campaignID.String()),
		zap.Int("milestone", percentage),
		zap.String("amount", created.Amount.String()),
	)
	metrics.IncrementStateTransition("withdrawal", string(created.Status))
	s.fx.Invalidate(ctx, cachekeys.EscrowByCampaign(campaignID))
	s.fx.Publish(ctx, mqcontracts.EscrowRequestCreated, s.event(ctx, mqcontracts.EscrowRequestCreated, created, actor.ID))

	opened, err := s.openVoting(ctx, created.ID)
	if err != nil {
		logger.WithTrace(ctx, s.logger).Warn("Failed to open voting, request stays pending_voting",
			zap.String("request_id", created.ID.String()),
			zap.Error(err),
		)
		return created, nil
	}
	return opened, nil
}

// OpenVoting pending_voting → voting_in_progress，creator 或管理员可以触发
func (s *Service) OpenVoting(ctx context.Context, requestID uuid.UUID, actor rbac.Actor) (*model.WithdrawalRequest, error) {
	w, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !actor.Is(w.RequestedBy) {
		return nil, apperror.New(apperror.Forbidden, "cannot open voting for this request")
	}
	if w.Status != model.WithdrawalPendingVoting {
		return nil, apperror.New(apperror.InvalidStatus, "request is %s, expected pending_voting", w.Status)
	}
	return s.openVoting(ctx, requestID)
}

func (s *Service) openVoting(ctx context.Context, requestID uuid.UUID) (*model.WithdrawalRequest, error) {
	start := s.now()
	w, err := s.requests.OpenVoting(ctx, requestID, start, start.Add(s.votingWindow))
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil, apperror.New(apperror.InvalidStatus, "request is no longer pending_voting")
	}
	if err != nil {
		return nil, storeErr(err, "open voting")
	}

	metrics.IncrementStateTransition("withdrawal", string(w.Status))
	s.fx.Invalidate(ctx, cachekeys.EscrowByCampaign(w.CampaignID))
	s.fx.Publish(ctx, mqcontracts.EscrowVotingOpened, s.event(ctx, mqcontracts.EscrowVotingOpened, w, uuid.Nil))
	return w, nil
}

// FinalizeExpiredVoting 关闭已到期的投票窗口，状态谓词保证幂等
func (s *Service) FinalizeExpiredVoting(ctx context.Context, actor rbac.Actor) ([]model.WithdrawalRequest, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionRunSweep); err != nil {
		return nil, apperror.New(apperror.Forbidden, "cannot run sweeps").Wrap(err)
	}

	done, err := s.requests.FinalizeExpiredVoting(ctx, s.now())
	if err != nil {
		return nil, storeErr(err, "finalize expired voting")
	}

	for i := range done {
		w := &done[i]
		metrics.IncrementStateTransition("withdrawal", string(w.Status))
		s.fx.Invalidate(ctx, cachekeys.EscrowByCampaign(w.CampaignID))
		s.fx.Publish(ctx, mqcontracts.EscrowVotingCompleted, s.event(ctx, mqcontracts.EscrowVotingCompleted, w, uuid.Nil))
		s.fx.Best(ctx, effects.KindNotification, func(ctx context.Context) error {
			return s.notifier.NotifyAdmins(ctx, model.Notification{
				Type:       model.NotifyEscrowVotingCompleted,
				CampaignID: &w.CampaignID,
				Message:    "A withdrawal request is ready for review",
			})
		})
	}
	if len(done) > 0 {
		logger.WithTrace(ctx, s.logger).Info("Voting windows finalized", zap.Int("count", len(done)))
	}
	return done, nil
}

// AdminApprove voting_completed → admin_approved → released，在一个事务中完成；
// 100% 里程碑释放后 campaign 结束
func (s *Service) AdminApprove(ctx context.Context, requestID uuid.UUID, actor rbac.Actor) (*model.WithdrawalRequest, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionReviewEscrow); err != nil {
		return nil, apperror.New(apperror.Forbidden, "only admins can review withdrawals").Wrap(err)
	}
	w, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if w.Status != model.WithdrawalVotingCompleted {
		return nil, apperror.New(apperror.InvalidStatus, "request is %s, expected voting_completed", w.Status)
	}

	now := s.now()
	var (
		before, after      *model.Campaign
		approved, released *model.WithdrawalRequest
	)
	err = s.requests.WithinTx(ctx, func(tx repository.EscrowTx) error {
		c, err := tx.LockCampaign(ctx, w.CampaignID)
		if err != nil {
			return err
		}
		before = c

		approved, err = tx.ApproveRequest(ctx, requestID, actor.ID, now)
		if err != nil {
			return err
		}
		remaining := c.CurrentAmount.Sub(c.ReleasedAmount.Add(approved.Amount))
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		released, err = tx.ReleaseRequest(ctx, requestID, remaining, now)
		if err != nil {
			return err
		}
		after, err = tx.AddReleased(ctx, c.ID, approved.Amount, now)
		if err != nil {
			return err
		}

		if released.MilestonePercentage == model.FullMilestone && after.Status == model.CampaignActive {
			after, err = tx.TransitionCampaign(ctx, model.StatusChange{
				CampaignID: c.ID,
				From:       model.CampaignActive,
				To:         model.CampaignCompleted,
				ActorID:    actor.ID,
				At:         now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil, apperror.New(apperror.InvalidStatus, "request was reviewed concurrently")
	}
	if err != nil {
		return nil, storeErr(err, "approve withdrawal")
	}

	logger.WithTrace(ctx, s.logger).Info("Withdrawal released",
		zap.String("request_id", requestID.String()),
		zap.String("campaign_id", after.ID.String()),
		zap.String("amount", released.Amount.String()),
		zap.String("released_total", after.ReleasedAmount.String()),
	)
	metrics.IncrementStateTransition("withdrawal", string(model.WithdrawalAdminApproved))
	metrics.IncrementStateTransition("withdrawal", string(model.WithdrawalReleased))

	s.fx.Invalidate(ctx, append(cachekeys.CampaignChange(before, after), cachekeys.EscrowByCampaign(after.ID))...)
	s.fx.Publish(ctx, mqcontracts.EscrowRequestApproved, s.event(ctx, mqcontracts.EscrowRequestApproved, approved, actor.ID))
	s.fx.Publish(ctx, mqcontracts.EscrowRequestReleased, s.event(ctx, mqcontracts.EscrowRequestReleased, released, actor.ID))
	if after.Status == model.CampaignCompleted && before.Status != model.CampaignCompleted {
		metrics.IncrementStateTransition("campaign", string(model.CampaignCompleted))
		s.fx.Publish(ctx, mqcontracts.CampaignCompleted, s.campaignEvent(ctx, before, after, actor.ID))
	}
	s.notify(ctx, after.CreatorID, actor, after.ID, model.NotifyEscrowApproved,
		"Your "+strconv.Itoa(released.MilestonePercentage)+"% withdrawal was approved and released")
	return released, nil
}

// AdminReject voting_completed → admin_rejected，资金不动
func (s *Service) AdminReject(ctx context.Context, requestID uuid.UUID, actor rbac.Actor, note string) (*model.WithdrawalRequest, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionReviewEscrow); err != nil {
		return nil, apperror.New(apperror.Forbidden, "only admins can review withdrawals").Wrap(err)
	}

	w, err := s.requests.Reject(ctx, requestID, actor.ID, note, s.now())
	if errors.Is(err, repository.ErrStatusConflict) {
		current, gerr := s.getRequest(ctx, requestID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperror.New(apperror.InvalidStatus, "request is %s, expected voting_completed", current.Status)
	}
	if err != nil {
		return nil, storeErr(err, "reject withdrawal")
	}

	logger.WithTrace(ctx, s.logger).Info("Withdrawal rejected",
		zap.String("request_id", requestID.String()),
		zap.String("campaign_id", w.CampaignID.String()),
	)
	metrics.IncrementStateTransition("withdrawal", string(w.Status))
	s.fx.Invalidate(ctx, cachekeys.EscrowByCampaign(w.CampaignID))
	s.fx.Publish(ctx, mqcontracts.EscrowRequestRejected, s.event(ctx, mqcontracts.EscrowRequestRejected, w, actor.ID))

	if c, err := s.campaigns.GetByID(ctx, w.CampaignID); err == nil {
		s.notify(ctx, c.CreatorID, actor, c.ID, model.NotifyEscrowRejected, "Your withdrawal request was rejected: "+note)
	}
	return w, nil
}

// ListRequests cache-aside 读取某个 campaign 的全部提现请求
func (s *Service) ListRequests(ctx context.Context, campaignID uuid.UUID) ([]model.WithdrawalRequest, error) {
	key := cachekeys.EscrowByCampaign(campaignID)
	var cached []model.WithdrawalRequest
	if hit, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		s.logger.Warn("Escrow cache read failed", zap.String("key", key), zap.Error(err))
	} else if hit {
		return cached, nil
	}

	reqs, err := s.requests.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, storeErr(err, "list withdrawal requests")
	}
	if err := cache.SetJSON(ctx, s.cache, key, reqs, s.ttl); err != nil {
		s.logger.Warn("Escrow cache write failed", zap.String("key", key), zap.Error(err))
	}
	return reqs, nil
}

func (s *Service) getRequest(ctx context.Context, id uuid.UUID) (*model.WithdrawalRequest, error) {
	w, err := s.requests.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.New(apperror.RequestNotFound, "withdrawal request %s not found", id)
	}
	if err != nil {
		return nil, storeErr(err, "get withdrawal request")
	}
	return w, nil
}

func (s *Service) notify(ctx context.Context, receiver uuid.UUID, actor rbac.Actor, campaignID uuid.UUID, typ, msg string) {
	s.fx.Best(ctx, effects.KindNotification, func(ctx context.Context) error {
		var sender *uuid.UUID
		if actor.ID != uuid.Nil {
			sender = &actor.ID
		}
		return s.notifier.Notify(ctx, model.Notification{
			ReceiverID: receiver,
			SenderID:   sender,
			Type:       typ,
			CampaignID: &campaignID,
			Message:    msg,
		})
	})
}

func (s *Service) event(ctx context.Context, rk string, w *model.WithdrawalRequest, actorID uuid.UUID) mqcontracts.EscrowEventPayload {
	return mqcontracts.EscrowEventPayload{
		Meta:                mqcontracts.NewMeta(rk, trace.FromContext(ctx), s.now()),
		RequestID:           w.ID,
		CampaignID:          w.CampaignID,
		MilestonePercentage: w.MilestonePercentage,
		Amount:              w.Amount,
		Status:              string(w.Status),
		AutoCreated:         w.AutoCreated,
		VotingEndDate:       w.VotingEndDate,
		ActorID:             actorID,
	}
}

func (s *Service) campaignEvent(ctx context.Context, before, after *model.Campaign, actorID uuid.UUID) mqcontracts.CampaignEventPayload {
	return mqcontracts.CampaignEventPayload{
		Meta:       mqcontracts.NewMeta(mqcontracts.CampaignCompleted, trace.FromContext(ctx), s.now()),
		CampaignID: after.ID,
		CreatorID:  after.CreatorID,
		ActorID:    actorID,
		FromStatus: string(before.Status),
		Status:     string(after.Status),
		Category:   after.Category,
		Version:    after.Version,
	}
}

// storeErr 业务错误原样返回，事务冲突映射为可重试的 TX_CONFLICT
func storeErr(err error, op string) error {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, repository.ErrTxConflict) {
		return apperror.New(apperror.TxConflict, "%s: transaction conflict", op).Wrap(err)
	}
	return apperror.Wrap(err, op)
}
