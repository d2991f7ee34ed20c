// Package campaign implements the campaign lifecycle: creation, moderation,
// cancellation, deletion, guarded updates and cache-aside reads.
package campaign

import (
	"context"
	"errors"
	"sort"
	"strings"
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

type Repository interface {
	Insert(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	List(ctx context.Context, f model.CampaignFilter) ([]model.Campaign, error)
	Transition(ctx context.Context, sc model.StatusChange) (*model.Campaign, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Update(ctx context.Context, id uuid.UUID, expectedVersion int64, patch model.CampaignPatch, requireNoDonations bool, at time.Time) (*model.Campaign, error)
}

// Notifier 通知端口，由 notification.Service 实现
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
	NotifyAdmins(ctx context.Context, n model.Notification) error
}

// editableFields creator 可以直接修改的字段
var editableFields = map[string]bool{
	model.FieldTitle:          true,
	model.FieldDescription:    true,
	model.FieldCategory:       true,
	model.FieldBannerImage:    true,
	model.FieldGalleryImages:  true,
	model.FieldProofDocuments: true,
	model.FieldGoalAmount:     true,
	model.FieldEndDate:        true,
	model.FieldStatus:         true,
}

// fundedEditable 收到捐款后仍可修改的字段
var fundedEditable = map[string]bool{
	model.FieldDescription:    true,
	model.FieldGalleryImages:  true,
	model.FieldProofDocuments: true,
	model.FieldStatus:         true,
}

type CreateInput struct {
	Title             string
	Description       string
	Category          string
	BannerImage       string
	GalleryImages     []string
	ProofDocumentsURL []string
	GoalAmount        decimal.Decimal
	StartDate         time.Time
	EndDate           time.Time
	Milestones        model.Milestones
}

type Service struct {
	repo     Repository
	notifier Notifier
	fx       *effects.Effects
	cache    cache.Cache
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo Repository, notifier Notifier, fx *effects.Effects, c cache.Cache, ttl time.Duration, logger *zap.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, notifier: notifier, fx: fx, cache: c, ttl: ttl, logger: logger, now: now}
}

// Create 创建 pending 状态的 campaign，并通知管理员审核
func (s *Service) Create(ctx context.Context, actor rbac.Actor, in CreateInput) (*model.Campaign, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionCreateCampaign); err != nil {
		return nil, apperror.New(apperror.Forbidden, "cannot create campaigns").Wrap(err)
	}

	now := s.now()
	if in.StartDate.IsZero() {
		in.StartDate = now
	}
	var bad []string
	if strings.TrimSpace(in.Title) == "" {
		bad = append(bad, model.FieldTitle)
	}
	if strings.TrimSpace(in.Category) == "" {
		bad = append(bad, model.FieldCategory)
	}
	if !in.GoalAmount.IsPositive() {
		bad = append(bad, model.FieldGoalAmount)
	}
	if !in.StartDate.Before(in.EndDate) {
		bad = append(bad, model.FieldEndDate)
	}
	if len(bad) > 0 {
		return nil, apperror.New(apperror.InvalidInput, "invalid campaign input").WithFields(bad...)
	}
	if err := in.Milestones.Validate(); err != nil {
		return nil, apperror.New(apperror.InvalidMilestones, "%s", err.Error())
	}

	c := &model.Campaign{
		ID:                uuid.New(),
		CreatorID:         actor.ID,
		Title:             strings.TrimSpace(in.Title),
		Description:       in.Description,
		Category:          strings.TrimSpace(in.Category),
		BannerImage:       in.BannerImage,
		GalleryImages:     in.GalleryImages,
		ProofDocumentsURL: in.ProofDocumentsURL,
		GoalAmount:        in.GoalAmount,
		CurrentAmount:     decimal.Zero,
		ReleasedAmount:    decimal.Zero,
		StartDate:         in.StartDate,
		EndDate:           in.EndDate,
		Status:            model.CampaignPending,
		Milestones:        in.Milestones,
		CreatedAt:         now,
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		return nil, apperror.Wrap(err, "create campaign")
	}

	logger.WithTrace(ctx, s.logger).Info("Campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("creator_id", c.CreatorID.String()),
	)

	s.fx.Invalidate(ctx, cachekeys.CampaignChange(nil, c)...)
	s.fx.Publish(ctx, mqcontracts.CampaignCreated, s.event(ctx, mqcontracts.CampaignCreated, c, "", actor.ID, ""))
	s.fx.Best(ctx, effects.KindNotification, func(ctx context.Context) error {
		return s.notifier.NotifyAdmins(ctx, model.Notification{
			SenderID:   &c.CreatorID,
			Type:       model.NotifyCampaignSubmitted,
			CampaignID: &c.ID,
			Message:    "New campaign awaiting review: " + c.Title,
		})
	})
	return c, nil
}

// Approve pending → active
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actor rbac.Actor) (*model.Campaign, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionModerateCampaign); err != nil {
		return nil, apperror.New(apperror.Forbidden, "only admins can approve campaigns").Wrap(err)
	}
	before, after, err := s.moderate(ctx, id, actor, model.CampaignActive, "")
	if err != nil {
		return nil, err
	}

	s.fx.Invalidate(ctx, cachekeys.CampaignChange(before, after)...)
	s.fx.Publish(ctx, mqcontracts.CampaignApproved, s.event(ctx, mqcontracts.CampaignApproved, after, before.Status, actor.ID, ""))
	s.fx.Publish(ctx, mqcontracts.CampaignPublic, mqcontracts.CampaignPublicPayload{
		Meta:          mqcontracts.NewMeta(mqcontracts.CampaignPublic, trace.FromContext(ctx), s.now()),
		Kind:          mqcontracts.CampaignApproved,
		CampaignID:    after.ID,
		Title:         after.Title,
		Status:        string(after.Status),
		CurrentAmount: after.CurrentAmount.String(),
		GoalAmount:    after.GoalAmount.String(),
	})
	s.notifyCreator(ctx, after, actor, model.NotifyCampaignApproved, "Your campaign has been approved: "+after.Title)
	return after, nil
}

// Reject pending → rejected，必须给出原因
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor rbac.Actor, reason string) (*model.Campaign, error) {
	if err := rbac.CheckPermission(actor, rbac.PermissionModerateCampaign); err != nil {
		return nil, apperror.New(apperror.Forbidden, "only admins can reject campaigns").Wrap(err)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperror.New(apperror.MissingReason, "rejection reason is required")
	}
	before, after, err := s.moderate(ctx, id, actor, model.CampaignRejected, reason)
	if err != nil {
		return nil, err
	}

	s.fx.Invalidate(ctx, cachekeys.CampaignChange(before, after)...)
	s.fx.Publish(ctx, mqcontracts.CampaignRejected, s.event(ctx, mqcontracts.CampaignRejected, after, before.Status, actor.ID, reason))
	s.notifyCreator(ctx, after, actor, model.NotifyCampaignRejected, "Your campaign was rejected: "+reason)
	return after, nil
}

func (s *Service) moderate(ctx context.Context, id uuid.UUID, actor rbac.Actor, to model.CampaignStatus, reason string) (*model.Campaign, *model.Campaign, error) {
	before, err := s.get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if before.Status != model.CampaignPending {
		return nil, nil, apperror.New(apperror.InvalidStatus, "campaign is %s, expected pending", before.Status)
	}

	after, err := s.transition(ctx, before, to, actor.ID, reason)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// Cancel active → cancelled，仅 creator
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor rbac.Actor, reason string) (*model.Campaign, error) {
	before, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(before.CreatorID) {
		return nil, apperror.New(apperror.Forbidden, "only the creator can cancel a campaign")
	}
	if before.Status == model.CampaignCancelled {
		return nil, apperror.New(apperror.AlreadyCancelled, "campaign is already cancelled")
	}
	if before.Status != model.CampaignActive {
		return nil, apperror.New(apperror.InvalidStatus, "campaign is %s, expected active", before.Status)
	}

	after, err := s.transition(ctx, before, model.CampaignCancelled, actor.ID, strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}

	s.fx.Invalidate(ctx, cachekeys.CampaignChange(before, after)...)
	s.fx.Publish(ctx, mqcontracts.CampaignCancelled, s.event(ctx, mqcontracts.CampaignCancelled, after, before.Status, actor.ID, after.CancellationReason))
	return after, nil
}

func (s *Service) transition(ctx context.Context, before *model.Campaign, to model.CampaignStatus, actorID uuid.UUID, reason string) (*model.Campaign, error) {
	after, err := s.repo.Transition(ctx, model.StatusChange{
		CampaignID: before.ID,
		From:       before.Status,
		To:         to,
		ActorID:    actorID,
		Reason:     reason,
		At:         s.now(),
	})
	if errors.Is(err, repository.ErrStatusConflict) {
		current, gerr := s.get(ctx, before.ID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == model.CampaignCancelled && to == model.CampaignCancelled {
			return nil, apperror.New(apperror.AlreadyCancelled, "campaign is already cancelled")
		}
		return nil, apperror.New(apperror.InvalidStatus, "campaign moved to %s concurrently", current.Status)
	}
	if err != nil {
		return nil, s.storeErr(err, "transition campaign")
	}

	metrics.IncrementStateTransition("campaign", string(to))
	logger.WithTrace(ctx, s.logger).Info("Campaign status changed",
		zap.String("campaign_id", after.ID.String()),
		zap.String("from", string(before.Status)),
		zap.String("to", string(to)),
	)
	return after, nil
}

// Delete 仅在没有收到捐款时允许，DELETE 语句会再次校验
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor rbac.Actor) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !actor.Is(c.CreatorID) {
		return apperror.New(apperror.Forbidden, "only the creator can delete a campaign")
	}
	if c.HasDonations() {
		return apperror.New(apperror.CannotDeleteAfterDonation, "campaign has received donations; cancel it instead")
	}

	err = s.repo.Delete(ctx, id)
	if errors.Is(err, repository.ErrPrecondition) {
		if _, gerr := s.get(ctx, id); gerr != nil {
			return gerr
		}
		return apperror.New(apperror.CannotDeleteAfterDonation, "campaign has received donations; cancel it instead")
	}
	if err != nil {
		return s.storeErr(err, "delete campaign")
	}

	logger.WithTrace(ctx, s.logger).Info("Campaign deleted", zap.String("campaign_id", id.String()))
	s.fx.Invalidate(ctx, cachekeys.CampaignChange(c, nil)...)
	s.fx.Publish(ctx, mqcontracts.CampaignDeleted, s.event(ctx, mqcontracts.CampaignDeleted, c, c.Status, actor.ID, ""))
	return nil
}

// Update 带版本检查的稀疏更新；收到捐款后只允许有限字段
func (s *Service) Update(ctx context.Context, id uuid.UUID, actor rbac.Actor, fields map[string]any) (*model.Campaign, error) {
	if len(fields) == 0 {
		return nil, apperror.New(apperror.EmptyRequest, "no fields to update")
	}
	if unknown := unknownFields(fields, editableFields); len(unknown) > 0 {
		return nil, apperror.New(apperror.InvalidFields, "fields cannot be edited").WithFields(unknown...)
	}

	before, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(before.CreatorID) {
		return nil, apperror.New(apperror.Forbidden, "only the creator can edit a campaign")
	}

	patch, err := model.ParseCampaignPatch(fields)
	if err != nil {
		return nil, fieldValueErr(err)
	}

	restricted := unknownFields(fields, fundedEditable)
	if before.HasDonations() && len(restricted) > 0 {
		return nil, apperror.New(apperror.CannotUpdateAfterDonation, "campaign has received donations").WithFields(restricted...)
	}
	var statusTo *model.CampaignStatus
	if patch.Status != nil {
		if err := checkStatusEdit(before, *patch.Status); err != nil {
			return nil, err
		}
		if *patch.Status != before.Status {
			statusTo = patch.Status
		}
		// 状态修改走 Transition，不进入字段 SET
		patch.Status = nil
	}
	if patch.GoalAmount != nil && !patch.GoalAmount.IsPositive() {
		return nil, apperror.New(apperror.InvalidFieldValue, "goal_amount must be positive").WithFields(model.FieldGoalAmount)
	}
	if patch.EndDate != nil && !patch.EndDate.After(before.StartDate) {
		return nil, apperror.New(apperror.InvalidEndDate, "end_date must be after start_date").WithFields(model.FieldEndDate)
	}

	after := before
	if !patch.Empty() {
		if after, err = s.applyPatch(ctx, before, actor, patch, restricted); err != nil {
			return nil, err
		}
	}
	if statusTo == nil {
		return after, nil
	}

	prior := after
	after, err = s.transition(ctx, prior, *statusTo, actor.ID, "")
	if err != nil {
		return nil, err
	}
	rk := mqcontracts.CampaignCompleted
	if after.Status == model.CampaignCancelled {
		rk = mqcontracts.CampaignCancelled
	}
	s.fx.Invalidate(ctx, cachekeys.CampaignChange(prior, after)...)
	s.fx.Publish(ctx, rk, s.event(ctx, rk, after, prior.Status, actor.ID, after.CancellationReason))
	return after, nil
}

// applyPatch 提交字段修改；restricted 非空时要求 campaign 仍未收到捐款
func (s *Service) applyPatch(ctx context.Context, before *model.Campaign, actor rbac.Actor, patch model.CampaignPatch, restricted []string) (*model.Campaign, error) {
	id := before.ID
	requireNoDonations := len(restricted) > 0
	after, err := s.repo.Update(ctx, id, before.Version, patch, requireNoDonations, s.now())
	if errors.Is(err, repository.ErrVersionConflict) {
		current, gerr := s.get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if requireNoDonations && current.HasDonations() {
			return nil, apperror.New(apperror.CannotUpdateAfterDonation, "campaign has received donations").WithFields(restricted...)
		}
		return nil, apperror.New(apperror.ConcurrentUpdate, "campaign was modified concurrently").WithConflict(id)
	}
	if err != nil {
		return nil, s.storeErr(err, "update campaign")
	}

	changed := patch.Fields()
	logger.WithTrace(ctx, s.logger).Info("Campaign updated",
		zap.String("campaign_id", id.String()),
		zap.Strings("fields", changed),
		zap.Int64("version", after.Version),
	)

	s.fx.Invalidate(ctx, cachekeys.CampaignChange(before, after)...)
	ev := s.event(ctx, mqcontracts.CampaignUpdated, after, before.Status, actor.ID, "")
	ev.Fields = changed
	s.fx.Publish(ctx, mqcontracts.CampaignUpdated, ev)
	return after, nil
}

// checkStatusEdit creator 通过编辑只能结束或取消一个进行中的 campaign
func checkStatusEdit(c *model.Campaign, to model.CampaignStatus) error {
	if c.Status == to {
		if to == model.CampaignCancelled {
			return apperror.New(apperror.AlreadyCancelled, "campaign is already cancelled")
		}
		return nil
	}
	if to != model.CampaignCompleted && to != model.CampaignCancelled {
		if c.HasDonations() {
			return apperror.New(apperror.CannotUpdateAfterDonation, "status can only move to completed or cancelled").WithFields(model.FieldStatus)
		}
		return apperror.New(apperror.InvalidStatus, "status can only move to completed or cancelled")
	}
	if c.Status != model.CampaignActive {
		return apperror.New(apperror.InvalidStatus, "campaign is %s, expected active", c.Status)
	}
	return nil
}

// Get cache-aside 读取单个 campaign
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	key := cachekeys.Campaign(id)
	var cached model.Campaign
	if hit, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		s.logger.Warn("Campaign cache read failed", zap.String("key", key), zap.Error(err))
	} else if hit {
		return &cached, nil
	}

	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, s.cache, key, c, s.ttl); err != nil {
		s.logger.Warn("Campaign cache write failed", zap.String("key", key), zap.Error(err))
	}
	return c, nil
}

// List 只使用一个过滤维度，优先级 creator > status > category
func (s *Service) List(ctx context.Context, f model.CampaignFilter) ([]model.Campaign, error) {
	f = normalize(f)
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperror.New(apperror.InvalidInput, "unknown status %q", f.Status).WithFields(model.FieldStatus)
	}

	key := cachekeys.ForFilter(f)
	var cached []model.Campaign
	if hit, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		s.logger.Warn("Campaign list cache read failed", zap.String("key", key), zap.Error(err))
	} else if hit {
		return cached, nil
	}

	list, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, s.storeErr(err, "list campaigns")
	}
	if err := cache.SetJSON(ctx, s.cache, key, list, s.ttl); err != nil {
		s.logger.Warn("Campaign list cache write failed", zap.String("key", key), zap.Error(err))
	}
	return list, nil
}

func normalize(f model.CampaignFilter) model.CampaignFilter {
	switch {
	case f.CreatorID != nil:
		return model.CampaignFilter{CreatorID: f.CreatorID}
	case f.Status != "":
		return model.CampaignFilter{Status: f.Status}
	case f.Category != "":
		return model.CampaignFilter{Category: f.Category}
	}
	return model.CampaignFilter{}
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	c, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.New(apperror.NotFound, "campaign %s not found", id)
	}
	if err != nil {
		return nil, s.storeErr(err, "get campaign")
	}
	return c, nil
}

func (s *Service) storeErr(err error, op string) error {
	if errors.Is(err, repository.ErrTxConflict) {
		return apperror.New(apperror.TxConflict, "%s: transaction conflict", op).Wrap(err)
	}
	return apperror.Wrap(err, op)
}

func (s *Service) notifyCreator(ctx context.Context, c *model.Campaign, actor rbac.Actor, typ, msg string) {
	s.fx.Best(ctx, effects.KindNotification, func(ctx context.Context) error {
		var sender *uuid.UUID
		if actor.ID != uuid.Nil {
			sender = &actor.ID
		}
		return s.notifier.Notify(ctx, model.Notification{
			ReceiverID: c.CreatorID,
			SenderID:   sender,
			Type:       typ,
			CampaignID: &c.ID,
			Message:    msg,
		})
	})
}

func (s *Service) event(ctx context.Context, rk string, c *model.Campaign, from model.CampaignStatus, actorID uuid.UUID, reason string) mqcontracts.CampaignEventPayload {
	return mqcontracts.CampaignEventPayload{
		Meta:       mqcontracts.NewMeta(rk, trace.FromContext(ctx), s.now()),
		CampaignID: c.ID,
		CreatorID:  c.CreatorID,
		ActorID:    actorID,
		FromStatus: string(from),
		Status:     string(c.Status),
		Category:   c.Category,
		Reason:     reason,
		Version:    c.Version,
	}
}

func unknownFields(fields map[string]any, allowed map[string]bool) []string {
	var out []string
	for k := range fields {
		if !allowed[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func fieldValueErr(err error) error {
	var fe *model.FieldValueError
	if errors.As(err, &fe) {
		if fe.Field == model.FieldEndDate {
			return apperror.New(apperror.InvalidEndDate, "%s", fe.Reason).WithFields(fe.Field)
		}
		return apperror.New(apperror.InvalidFieldValue, "%s", fe.Reason).WithFields(fe.Field)
	}
	return apperror.New(apperror.InvalidFieldValue, "%s", err.Error())
}
