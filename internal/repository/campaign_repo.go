package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"crowdfund/internal/model"
	"crowdfund/pkg/otel"
)

// numeric 列以文本读出，交给 decimal.Decimal 的 Scan；审核原因列可能为 NULL
const campaignColumns = `
	id, creator_id, title, description, category, banner_image,
	gallery_images, proof_documents_url,
	goal_amount::text, current_amount::text, released_amount::text,
	start_date, end_date, status, milestones,
	approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
	cancelled_at, cancellation_reason, completed_at,
	version, created_at, updated_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanCampaign(row pgx.Row) (*model.Campaign, error) {
	var c model.Campaign
	var status string
	var rejectionReason, cancellationReason pgtype.Text
	err := row.Scan(
		&c.ID, &c.CreatorID, &c.Title, &c.Description, &c.Category, &c.BannerImage,
		&c.GalleryImages, &c.ProofDocumentsURL,
		&c.GoalAmount, &c.CurrentAmount, &c.ReleasedAmount,
		&c.StartDate, &c.EndDate, &status, &c.Milestones,
		&c.ApprovedBy, &c.ApprovedAt, &c.RejectedBy, &c.RejectedAt, &rejectionReason,
		&c.CancelledAt, &cancellationReason, &c.CompletedAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.CampaignStatus(status)
	c.RejectionReason = rejectionReason.String
	c.CancellationReason = cancellationReason.String
	return &c, nil
}

func queryCampaigns(ctx context.Context, q querier, sql string, args ...any) ([]model.Campaign, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

type CampaignRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewCampaignRepository(db *pgxpool.Pool, logger *zap.Logger) *CampaignRepository {
	return &CampaignRepository{db: db, logger: logger}
}

func (r *CampaignRepository) Insert(ctx context.Context, c *model.Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, creator_id, title, description, category, banner_image,
			gallery_images, proof_documents_url, goal_amount,
			start_date, end_date, status, milestones
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10, $11, $12, $13)
		RETURNING version, created_at, updated_at
	`
	err := otel.WithDBSpan(ctx, "insert", "campaigns", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query,
			c.ID, c.CreatorID, c.Title, c.Description, c.Category, c.BannerImage,
			c.GalleryImages, c.ProofDocumentsURL, c.GoalAmount.String(),
			c.StartDate, c.EndDate, string(c.Status), c.Milestones,
		).Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	})
	if err != nil {
		r.logger.Error("Failed to insert campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		return fmt.Errorf("insert campaign: %w", mapErr(err))
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

// List 按单一维度过滤，优先级 creator > status > category
func (r *CampaignRepository) List(ctx context.Context, f model.CampaignFilter) ([]model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	var args []any
	switch {
	case f.CreatorID != nil:
		query += ` WHERE creator_id = $1`
		args = append(args, *f.CreatorID)
	case f.Status != "":
		query += ` WHERE status = $1`
		args = append(args, string(f.Status))
	case f.Category != "":
		query += ` WHERE category = $1`
		args = append(args, f.Category)
	}
	query += ` ORDER BY created_at DESC`

	campaigns, err := queryCampaigns(ctx, r.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return campaigns, nil
}

// ListExpiredActive 返回 end_date 已过的 active campaign
func (r *CampaignRepository) ListExpiredActive(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	campaigns, err := queryCampaigns(ctx, r.db, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'active' AND end_date <= $1
		ORDER BY end_date ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired campaigns: %w", err)
	}
	return campaigns, nil
}

// Transition 仅当当前状态等于 From 时迁移，否则返回 ErrStatusConflict
func (r *CampaignRepository) Transition(ctx context.Context, sc model.StatusChange) (*model.Campaign, error) {
	return transitionCampaign(ctx, r.db, sc)
}

func transitionCampaign(ctx context.Context, q querier, sc model.StatusChange) (*model.Campaign, error) {
	var actor *uuid.UUID
	if sc.ActorID != uuid.Nil {
		actor = &sc.ActorID
	}
	query := `
		UPDATE campaigns SET
			status = $3,
			approved_by         = CASE WHEN $3 = 'active'    THEN $4 ELSE approved_by END,
			approved_at         = CASE WHEN $3 = 'active'    THEN $5 ELSE approved_at END,
			rejected_by         = CASE WHEN $3 = 'rejected'  THEN $4 ELSE rejected_by END,
			rejected_at         = CASE WHEN $3 = 'rejected'  THEN $5 ELSE rejected_at END,
			rejection_reason    = CASE WHEN $3 = 'rejected'  THEN $6 ELSE rejection_reason END,
			cancelled_at        = CASE WHEN $3 = 'cancelled' THEN $5 ELSE cancelled_at END,
			cancellation_reason = CASE WHEN $3 = 'cancelled' THEN $6 ELSE cancellation_reason END,
			completed_at        = CASE WHEN $3 = 'completed' THEN $5 ELSE completed_at END,
			version = version + 1,
			updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING ` + campaignColumns
	c, err := scanCampaign(q.QueryRow(ctx, query,
		sc.CampaignID, string(sc.From), string(sc.To), actor, sc.At, sc.Reason,
	))
	if err != nil {
		err = mapErr(err)
		if err == ErrNotFound {
			return nil, ErrStatusConflict
		}
		return nil, fmt.Errorf("transition campaign: %w", err)
	}
	return c, nil
}

// Delete 只删除尚未收到捐款的 campaign；谓词不满足返回 ErrPrecondition
func (r *CampaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM campaigns WHERE id = $1 AND current_amount = 0`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrPrecondition
	}
	return nil
}

// Update 带版本号的条件更新；requireNoDonations 时额外要求 current_amount = 0
func (r *CampaignRepository) Update(ctx context.Context, id uuid.UUID, expectedVersion int64, patch model.CampaignPatch, requireNoDonations bool, at time.Time) (*model.Campaign, error) {
	extra := ""
	if requireNoDonations {
		extra = " AND current_amount = 0"
	}
	return updateCampaign(ctx, r.db, id, expectedVersion, patch, extra, at)
}

// updateCampaign 构造 SET 子句；extraPredicate 追加到 WHERE
func updateCampaign(ctx context.Context, q querier, id uuid.UUID, expectedVersion int64, patch model.CampaignPatch, extraPredicate string, at time.Time) (*model.Campaign, error) {
	sets := []string{"version = version + 1", "updated_at = $3"}
	args := []any{id, expectedVersion, at}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if patch.Title != nil {
		add("title = $%d", *patch.Title)
	}
	if patch.Description != nil {
		add("description = $%d", *patch.Description)
	}
	if patch.Category != nil {
		add("category = $%d", *patch.Category)
	}
	if patch.BannerImage != nil {
		add("banner_image = $%d", *patch.BannerImage)
	}
	if patch.GalleryImages != nil {
		add("gallery_images = $%d", *patch.GalleryImages)
	}
	if patch.ProofDocumentsURL != nil {
		add("proof_documents_url = $%d", *patch.ProofDocumentsURL)
	}
	if patch.GoalAmount != nil {
		add("goal_amount = $%d::text::numeric", patch.GoalAmount.String())
	}
	if patch.EndDate != nil {
		add("end_date = $%d", *patch.EndDate)
	}
	if patch.Status != nil {
		add("status = $%d", string(*patch.Status))
	}

	query := `UPDATE campaigns SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND version = $2` + extraPredicate +
		` RETURNING ` + campaignColumns

	var c *model.Campaign
	err := otel.WithDBSpan(ctx, "update", "campaigns", func(ctx context.Context) error {
		var err error
		c, err = scanCampaign(q.QueryRow(ctx, query, args...))
		return err
	})
	if err != nil {
		err = mapErr(err)
		if err == ErrNotFound {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	return c, nil
}
