package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqcontracts "crowdfund/contracts/mq"
	"crowdfund/internal/apperror"
	"crowdfund/internal/cachekeys"
	"crowdfund/internal/effects"
	"crowdfund/internal/model"
	"crowdfund/internal/repository"
	"crowdfund/pkg/logger"
	"crowdfund/pkg/metrics"
	"crowdfund/pkg/rbac"
)

// JobProcessExpired 到期处理任务名，也用作指标标签
const JobProcessExpired = "escrow.process_expired_campaigns"

// Expiry outcomes.
const (
	OutcomeRequestCreated    = "request_created"
	OutcomeNoFunds           = "no_funds"
	OutcomeNoFullMilestone   = "no_full_milestone"
	OutcomeAlreadyRequested  = "already_requested"
	OutcomeNoAvailableAmount = "no_available_amount"
	OutcomeSkipped           = "skipped"
	OutcomeFailed            = "failed"
)

// CampaignResult 单个 campaign 的处理结果
type CampaignResult struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Success    bool      `json:"success"`
	Outcome    string    `json:"outcome"`
	RequestID  uuid.UUID `json:"request_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// SweepReport 一次到期处理的汇总
type SweepReport struct {
	Processed int              `json:"processed"`
	Created   int              `json:"created"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []CampaignResult `json:"results"`
}

// expiry 事务内的结果，提交后用于副作用
type expiry struct {
	outcome   string
	before    *model.Campaign
	after     *model.Campaign
	created   *model.WithdrawalRequest
	cancelled []model.WithdrawalRequest
}

// ProcessExpiredCampaigns 处理所有 end_date 已过的 active campaign；
// 每个 campaign 一个事务，单个失败不影响其他
func (s *Service) ProcessExpiredCampaigns(ctx context.Context, actor rbac.Actor) (*SweepReport, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionAutoCreateEscrow); err != nil {
		return nil, apperror.New(apperror.Forbidden, "cannot run the expiry sweep").Wrap(err)
	}

	now := s.now()
	expired, err := s.campaigns.ListExpiredActive(ctx, now)
	if err != nil {
		return nil, storeErr(err, "list expired campaigns")
	}

	report := &SweepReport{Results: make([]CampaignResult, 0, len(expired))}
	for _, c := range expired {
		if ctx.Err() != nil {
			break
		}
		res := s.processExpired(ctx, c.ID, now)
		report.Processed++
		if res.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
		if res.Outcome == OutcomeRequestCreated {
			report.Created++
		}
		report.Results = append(report.Results, res)
	}

	metrics.AddSweepItems(JobProcessExpired, report.Succeeded, report.Failed)
	logger.WithTrace(ctx, s.logger).Info("Expired campaigns processed",
		zap.Int("processed", report.Processed),
		zap.Int("created", report.Created),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Service) processExpired(ctx context.Context, campaignID uuid.UUID, now time.Time) CampaignResult {
	res := CampaignResult{CampaignID: campaignID}
	var ex expiry

	err := s.requests.WithinTx(ctx, func(tx repository.EscrowTx) error {
		ex = expiry{}
		c, err := tx.LockCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		// 其他副本可能已经处理过
		if c.Status != model.CampaignActive || c.EndDate.After(now) {
			ex.outcome = OutcomeSkipped
			return nil
		}
		ex.before = c

		ex.outcome, err = s.createFinalRequest(ctx, tx, c, now, &ex)
		if err != nil {
			return err
		}

		ex.after, err = tx.TransitionCampaign(ctx, model.StatusChange{
			CampaignID: c.ID,
			From:       model.CampaignActive,
			To:         model.CampaignCompleted,
			At:         now,
		})
		return err
	})

	log := logger.WithTrace(ctx, s.logger).With(zap.String("campaign_id", campaignID.String()))
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		// 并发副本抢先创建了 100% 请求
		res.Success, res.Outcome = true, OutcomeAlreadyRequested
		log.Info("Final withdrawal already created concurrently")
		return res
	case err != nil:
		res.Outcome, res.Error = OutcomeFailed, err.Error()
		log.Error("Failed to process expired campaign", zap.Error(err))
		return res
	}

	res.Success, res.Outcome = true, ex.outcome
	if ex.created != nil {
		res.RequestID = ex.created.ID
	}
	log.Info("Expired campaign processed", zap.String("outcome", ex.outcome))
	if ex.outcome != OutcomeSkipped {
		s.afterExpiry(ctx, &ex)
	}
	return res
}

// createFinalRequest 取消低里程碑的未决请求，并创建已开启投票的 100% 请求
func (s *Service) createFinalRequest(ctx context.Context, tx repository.EscrowTx, c *model.Campaign, now time.Time, ex *expiry) (string, error) {
	if !c.CurrentAmount.IsPositive() {
		return OutcomeNoFunds, nil
	}
	if !c.Milestones.Has(model.FullMilestone) {
		return OutcomeNoFullMilestone, nil
	}

	reqs, err := tx.ListRequests(ctx, c.ID)
	if err != nil {
		return "", err
	}
	for _, r := range reqs {
		// admin_approved 但尚未释放同样视为占用
		if r.MilestonePercentage == model.FullMilestone && r.Status.Reserves() {
			return OutcomeAlreadyRequested, nil
		}
	}

	ex.cancelled, err = tx.CancelOpenBelow(ctx, c.ID, model.FullMilestone, now)
	if err != nil {
		return "", err
	}
	reqs, err = tx.ListRequests(ctx, c.ID)
	if err != nil {
		return "", err
	}
	available := model.AvailableAmount(c.CurrentAmount, reqs)
	if !available.IsPositive() {
		return OutcomeNoAvailableAmount, nil
	}

	end := now.Add(s.votingWindow)
	w := &model.WithdrawalRequest{
		ID:                  uuid.New(),
		CampaignID:          c.ID,
		RequestedBy:         c.CreatorID,
		Amount:              available,
		TotalAmount:         c.CurrentAmount,
		MilestonePercentage: model.FullMilestone,
		AutoCreated:         true,
		Status:              model.WithdrawalVotingInProgress,
		Reason:              "campaign ended",
		VotingStartDate:     &now,
		VotingEndDate:       &end,
		CreatedAt:           now,
	}
	if err := tx.InsertRequest(ctx, w); err != nil {
		return "", err
	}
	ex.created = w
	return OutcomeRequestCreated, nil
}

func (s *Service) afterExpiry(ctx context.Context, ex *expiry) {
	c := ex.after
	metrics.IncrementStateTransition("campaign", string(model.CampaignCompleted))
	s.fx.Invalidate(ctx, append(cachekeys.CampaignChange(ex.before, c), cachekeys.EscrowByCampaign(c.ID))...)

	for i := range ex.cancelled {
		metrics.IncrementStateTransition("withdrawal", string(model.WithdrawalCancelled))
		s.fx.Publish(ctx, mqcontracts.EscrowRequestCancelled, s.event(ctx, mqcontracts.EscrowRequestCancelled, &ex.cancelled[i], uuid.Nil))
	}
	if w := ex.created; w != nil {
		metrics.IncrementStateTransition("withdrawal", string(w.Status))
		s.fx.Publish(ctx, mqcontracts.EscrowRequestCreated, s.event(ctx, mqcontracts.EscrowRequestCreated, w, uuid.Nil))
		s.fx.Publish(ctx, mqcontracts.EscrowVotingOpened, s.event(ctx, mqcontracts.EscrowVotingOpened, w, uuid.Nil))
		s.notify(ctx, c.CreatorID, rbac.System(), c.ID, model.NotifyEscrowVotingOpened,
			"Your campaign ended and the final withdrawal is open for voting")
	}
	s.fx.Publish(ctx, mqcontracts.CampaignCompleted, s.campaignEvent(ctx, ex.before, c, uuid.Nil))
	s.fx.Best(ctx, effects.KindNotification, func(ctx context.Context) error {
		return s.notifier.Notify(ctx, model.Notification{
			ReceiverID: c.CreatorID,
			Type:       model.NotifyCampaignCompleted,
			CampaignID: &c.ID,
			Message:    "Your campaign has ended: " + c.Title,
		})
	})
}
