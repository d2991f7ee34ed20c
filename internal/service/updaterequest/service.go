// Package updaterequest lets creators propose content changes to an active
// campaign and admins apply them through a version-checked update.
package updaterequest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
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

type CampaignReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
}

type Repository interface {
	Insert(ctx context.Context, u *model.UpdateRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.UpdateRequest, error)
	GetPendingByCampaign(ctx context.Context, campaignID uuid.UUID) (*model.UpdateRequest, error)
	ListPending(ctx context.Context) ([]model.UpdateRequest, error)
	Approve(ctx context.Context, a repository.Approval) (*model.Campaign, *model.UpdateRequest, error)
	Reject(ctx context.Context, id, adminID uuid.UUID, note string, at time.Time) (*model.UpdateRequest, error)
}

type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
	NotifyAdmins(ctx context.Context, n model.Notification) error
}

type Service struct {
	campaigns CampaignReader
	repo      Repository
	notifier  Notifier
	fx        *effects.Effects
	cache     cache.Cache
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func New(campaigns CampaignReader, repo Repository, notifier Notifier, fx *effects.Effects, c cache.Cache, ttl time.Duration, logger *zap.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{campaigns: campaigns, repo: repo, notifier: notifier, fx: fx, cache: c, ttl: ttl, logger: logger, now: now}
}

// Create 提交修改申请；同一 campaign 同时只能有一个 pending 申请
func (s *Service) Create(ctx context.Context, campaignID uuid.UUID, actor rbac.Actor, changes map[string]any) (*model.UpdateRequest, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.New(apperror.CampaignNotFound, "campaign %s not found", campaignID)
	}
	if err != nil {
		return nil, apperror.Wrap(err, "get campaign")
	}
	if !actor.Is(c.CreatorID) {
		return nil, apperror.New(apperror.Forbidden, "only the creator can request changes")
	}
	if c.Status != model.CampaignActive {
		return nil, apperror.New(apperror.InvalidStatus, "campaign is %s, expected active", c.Status)
	}
	if err := s.checkNoPending(ctx, campaignID); err != nil {
		return nil, err
	}
	if _, err := validateChanges(c, changes); err != nil {
		return nil, err
	}

	u := &model.UpdateRequest{
		ID:               uuid.New(),
		CampaignID:       campaignID,
		CreatorID:        actor.ID,
		RequestedChanges: changes,
		Status:           model.UpdateRequestPending,
		CreatedAt:        s.now(),
	}
	if err := s.repo.Insert(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// 并发提交输给了另一个请求
			if cerr := s.checkNoPending(ctx, campaignID); cerr != nil {
				return nil, cerr
			}
			return nil, apperror.New(apperror.PendingRequestExists, "a pending update request already exists")
		}
		return nil, apperror.Wrap(err, "create update request")
	}

	fields := sortedKeys(changes)
	logger.WithTrace(ctx, s.logger).Info("Update request created",
		zap.String("request_id", u.ID.String()),
		zap.String("campaign_id", campaignID.String()),
		zap.Strings("fields", fields),
	)
	metrics.IncrementStateTransition("update_request", string(u.Status))

	s.fx.Invalidate(ctx, cachekeys.UpdateRequestsPending, cachekeys.UpdateRequestsByCampaign(campaignID))
	s.fx.Publish(ctx, mqcontracts.UpdateRequestCreated, s.event(ctx, mqcontracts.UpdateRequestCreated, u, fields))
	s.fx.Go(ctx, effects.KindNotification, func(ctx context.Context) error {
		return s.notifier.NotifyAdmins(ctx, model.Notification{
			SenderID:   &u.CreatorID,
			Type:       model.NotifyUpdateRequestSubmitted,
			CampaignID: &campaignID,
			Message:    "A campaign update request is awaiting review: " + c.Title,
		})
	})
	return u, nil
}

func (s *Service) checkNoPending(ctx context.Context, campaignID uuid.UUID) error {
	existing, err := s.repo.GetPendingByCampaign(ctx, campaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperror.Wrap(err, "get pending update request")
	}
	return apperror.New(apperror.PendingRequestExists, "a pending update request already exists").WithConflict(existing.ID)
}

// validateChanges 校验顺序：空、非法字段、值类型、结束日期
func validateChanges(c *model.Campaign, changes map[string]any) (model.CampaignPatch, error) {
	if len(changes) == 0 {
		return model.CampaignPatch{}, apperror.New(apperror.EmptyRequest, "no changes requested")
	}

	var invalid []string
	for k := range changes {
		if !model.UpdatableFields[k] {
			invalid = append(invalid, k)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return model.CampaignPatch{}, apperror.New(apperror.InvalidFields, "fields cannot be changed by request").WithFields(invalid...)
	}

	rest := make(map[string]any, len(changes))
	for k, v := range changes {
		if k != model.FieldEndDate {
			rest[k] = v
		}
	}
	patch, err := model.ParseCampaignPatch(rest)
	if err != nil {
		var fe *model.FieldValueError
		if errors.As(err, &fe) {
			return model.CampaignPatch{}, apperror.New(apperror.InvalidFieldValue, "%s", fe.Reason).WithFields(fe.Field)
		}
		return model.CampaignPatch{}, apperror.New(apperror.InvalidFieldValue, "%s", err.Error())
	}

	if v, ok := changes[model.FieldEndDate]; ok {
		end, ok := model.ParseDate(v)
		if !ok {
			return model.CampaignPatch{}, apperror.New(apperror.InvalidEndDate, "end_date is not a valid date").WithFields(model.FieldEndDate)
		}
		if !end.After(c.EndDate) {
			return model.CampaignPatch{}, apperror.New(apperror.InvalidEndDate, "end_date must be later than the current end date").WithFields(model.FieldEndDate)
		}
		patch.EndDate = &end
	}
	return patch, nil
}

// Approve 在一个事务中应用修改并关闭申请；campaign 必须仍为 active 且版本未变
func (s *Service) Approve(ctx context.Context, requestID uuid.UUID, actor rbac.Actor) (*model.UpdateRequest, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionReviewUpdateRequest); err != nil {
		return nil, apperror.New(apperror.Forbidden, "only admins can review update requests").Wrap(err)
	}
	u, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if u.Status != model.UpdateRequestPending {
		return nil, apperror.New(apperror.InvalidStatus, "request is %s, expected pending", u.Status)
	}

	before, err := s.campaigns.GetByID(ctx, u.CampaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.New(apperror.CampaignNotFound, "campaign %s not found", u.CampaignID)
	}
	if err != nil {
		return nil, apperror.Wrap(err, "get campaign")
	}
	if before.Status != model.CampaignActive {
		return nil, apperror.New(apperror.CampaignNotActive, "campaign is %s", before.Status)
	}

	patch, err := model.ParseCampaignPatch(u.RequestedChanges)
	if err != nil {
		return nil, apperror.New(apperror.InvalidFieldValue, "stored changes are invalid").Wrap(err)
	}
	// 提交后 end_date 可能已被延长，审批时不能把日期往前推
	if patch.EndDate != nil && !patch.EndDate.After(before.EndDate) {
		return nil, apperror.New(apperror.InvalidEndDate, "end_date must be later than the current end date").WithFields(model.FieldEndDate)
	}

	after, approved, err := s.repo.Approve(ctx, repository.Approval{
		RequestID:       u.ID,
		CampaignID:      before.ID,
		ExpectedVersion: before.Version,
		Patch:           patch,
		ReviewerID:      actor.ID,
		At:              s.now(),
	})
	switch {
	case errors.Is(err, repository.ErrVersionConflict):
		current, gerr := s.campaigns.GetByID(ctx, before.ID)
		if gerr == nil && current.Status != model.CampaignActive {
			return nil, apperror.New(apperror.CampaignNotActive, "campaign is %s", current.Status)
		}
		return nil, apperror.New(apperror.ConcurrentUpdate, "campaign was modified concurrently").WithConflict(before.ID)
	case errors.Is(err, repository.ErrStatusConflict):
		return nil, apperror.New(apperror.ConcurrentUpdate, "update request was reviewed concurrently").WithConflict(u.ID)
	case errors.Is(err, repository.ErrTxConflict):
		return nil, apperror.New(apperror.TxConflict, "approve update request: transaction conflict").Wrap(err)
	case err != nil:
		return nil, apperror.Wrap(err, "approve update request")
	}

	fields := patch.Fields()
	logger.WithTrace(ctx, s.logger).Info("Update request approved",
		zap.String("request_id", u.ID.String()),
		zap.String("campaign_id", after.ID.String()),
		zap.Strings("fields", fields),
		zap.Int64("version", after.Version),
	)
	metrics.IncrementStateTransition("update_request", string(approved.Status))

	s.fx.Invalidate(ctx, append(cachekeys.CampaignChange(before, after),
		cachekeys.UpdateRequestsPending, cachekeys.UpdateRequestsByCampaign(after.ID))...)
	s.fx.Publish(ctx, mqcontracts.UpdateRequestApproved, s.event(ctx, mqcontracts.UpdateRequestApproved, approved, fields))
	s.notifyCreator(ctx, approved, actor, model.NotifyUpdateRequestApproved, "Your campaign update was approved")
	return approved, nil
}

// Reject pending → rejected
func (s *Service) Reject(ctx context.Context, requestID uuid.UUID, actor rbac.Actor, note string) (*model.UpdateRequest, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionReviewUpdateRequest); err != nil {
		return nil, apperror.New(apperror.Forbidden, "only admins can review update requests").Wrap(err)
	}

	u, err := s.repo.Reject(ctx, requestID, actor.ID, note, s.now())
	if errors.Is(err, repository.ErrStatusConflict) {
		current, gerr := s.get(ctx, requestID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperror.New(apperror.InvalidStatus, "request is %s, expected pending", current.Status)
	}
	if err != nil {
		return nil, apperror.Wrap(err, "reject update request")
	}

	logger.WithTrace(ctx, s.logger).Info("Update request rejected", zap.String("request_id", u.ID.String()))
	metrics.IncrementStateTransition("update_request", string(u.Status))
	s.fx.Invalidate(ctx, cachekeys.UpdateRequestsPending, cachekeys.UpdateRequestsByCampaign(u.CampaignID))
	s.fx.Publish(ctx, mqcontracts.UpdateRequestRejected, s.event(ctx, mqcontracts.UpdateRequestRejected, u, sortedKeys(u.RequestedChanges)))
	msg := "Your campaign update was rejected"
	if note != "" {
		msg += ": " + note
	}
	s.notifyCreator(ctx, u, actor, model.NotifyUpdateRequestRejected, msg)
	return u, nil
}

func (s *Service) Get(ctx context.Context, requestID uuid.UUID) (*model.UpdateRequest, error) {
	return s.get(ctx, requestID)
}

// ListPending 管理员审核队列，cache-aside
func (s *Service) ListPending(ctx context.Context, actor rbac.Actor) ([]model.UpdateRequest, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionReviewUpdateRequest); err != nil {
		return nil, apperror.New(apperror.Forbidden, "only admins can review update requests").Wrap(err)
	}

	key := cachekeys.UpdateRequestsPending
	var cached []model.UpdateRequest
	if hit, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		s.logger.Warn("Update request cache read failed", zap.String("key", key), zap.Error(err))
	} else if hit {
		return cached, nil
	}

	list, err := s.repo.ListPending(ctx)
	if err != nil {
		return nil, apperror.Wrap(err, "list pending update requests")
	}
	if err := cache.SetJSON(ctx, s.cache, key, list, s.ttl); err != nil {
		s.logger.Warn("Update request cache write failed", zap.String("key", key), zap.Error(err))
	}
	return list, nil
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*model.UpdateRequest, error) {
	u, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.New(apperror.RequestNotFound, "update request %s not found", id)
	}
	if err != nil {
		return nil, apperror.Wrap(err, "get update request")
	}
	return u, nil
}

func (s *Service) notifyCreator(ctx context.Context, u *model.UpdateRequest, actor rbac.Actor, typ, msg string) {
	s.fx.Best(ctx, effects.KindNotification, func(ctx context.Context) error {
		return s.notifier.Notify(ctx, model.Notification{
			ReceiverID: u.CreatorID,
			SenderID:   &actor.ID,
			Type:       typ,
			CampaignID: &u.CampaignID,
			Message:    msg,
		})
	})
}

func (s *Service) event(ctx context.Context, rk string, u *model.UpdateRequest, fields []string) mqcontracts.UpdateRequestEventPayload {
	p := mqcontracts.UpdateRequestEventPayload{
		Meta:       mqcontracts.NewMeta(rk, trace.FromContext(ctx), s.now()),
		RequestID:  u.ID,
		CampaignID: u.CampaignID,
		CreatorID:  u.CreatorID,
		Status:     string(u.Status),
		Fields:     fields,
	}
	if u.ReviewedBy != nil {
		p.ReviewerID = *u.ReviewedBy
	}
	return p
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
