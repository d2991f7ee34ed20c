package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"crowdfund/internal/model"
	"crowdfund/pkg/db"
)

const updateRequestColumns = `
	id, campaign_id, creator_id, requested_changes, status,
	reviewed_by, reviewed_at, admin_note, version, created_at, updated_at`

// Approval 审核通过时对 campaign 的带版本条件更新
type Approval struct {
	RequestID       uuid.UUID
	CampaignID      uuid.UUID
	ExpectedVersion int64
	Patch           model.CampaignPatch
	ReviewerID      uuid.UUID
	At              time.Time
}

func scanUpdateRequest(row pgx.Row) (*model.UpdateRequest, error) {
	var u model.UpdateRequest
	var status string
	var adminNote pgtype.Text
	err := row.Scan(
		&u.ID, &u.CampaignID, &u.CreatorID, &u.RequestedChanges, &status,
		&u.ReviewedBy, &u.ReviewedAt, &adminNote, &u.Version, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Status = model.UpdateRequestStatus(status)
	u.AdminNote = adminNote.String
	return &u, nil
}

type UpdateRequestRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewUpdateRequestRepository(db *pgxpool.Pool, logger *zap.Logger) *UpdateRequestRepository {
	return &UpdateRequestRepository{db: db, logger: logger}
}

// Insert 依赖 campaign_id 上 status = 'pending' 的部分唯一索引，冲突返回 ErrDuplicate
func (r *UpdateRequestRepository) Insert(ctx context.Context, u *model.UpdateRequest) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO campaign_update_requests (id, campaign_id, creator_id, requested_changes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING version
	`, u.ID, u.CampaignID, u.CreatorID, u.RequestedChanges, string(u.Status), u.CreatedAt).Scan(&u.Version)
	if err != nil {
		return fmt.Errorf("insert update request: %w", mapErr(err))
	}
	u.UpdatedAt = u.CreatedAt
	return nil
}

func (r *UpdateRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.UpdateRequest, error) {
	u, err := scanUpdateRequest(r.db.QueryRow(ctx, `SELECT `+updateRequestColumns+` FROM campaign_update_requests WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return u, nil
}

func (r *UpdateRequestRepository) GetPendingByCampaign(ctx context.Context, campaignID uuid.UUID) (*model.UpdateRequest, error) {
	u, err := scanUpdateRequest(r.db.QueryRow(ctx, `
		SELECT `+updateRequestColumns+`
		FROM campaign_update_requests
		WHERE campaign_id = $1 AND status = 'pending'
	`, campaignID))
	if err != nil {
		return nil, mapErr(err)
	}
	return u, nil
}

func (r *UpdateRequestRepository) ListPending(ctx context.Context) ([]model.UpdateRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+updateRequestColumns+`
		FROM campaign_update_requests
		WHERE status = 'pending'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending update requests: %w", err)
	}
	defer rows.Close()

	out := []model.UpdateRequest{}
	for rows.Next() {
		u, err := scanUpdateRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan update request: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// Approve 在一个事务中修改 campaign（version 与 status = 'active' 作为谓词）并把请求置为 approved
// campaign 谓词失败返回 ErrVersionConflict，请求已不是 pending 返回 ErrStatusConflict
func (r *UpdateRequestRepository) Approve(ctx context.Context, a Approval) (*model.Campaign, *model.UpdateRequest, error) {
	var campaign *model.Campaign
	var request *model.UpdateRequest

	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		campaign, err = updateCampaign(ctx, tx, a.CampaignID, a.ExpectedVersion, a.Patch, " AND status = 'active'", a.At)
		if err != nil {
			return err
		}

		request, err = scanUpdateRequest(tx.QueryRow(ctx, `
			UPDATE campaign_update_requests
			SET status = 'approved', reviewed_by = $2, reviewed_at = $3, version = version + 1, updated_at = $3
			WHERE id = $1 AND status = 'pending'
			RETURNING `+updateRequestColumns, a.RequestID, a.ReviewerID, a.At))
		if err != nil {
			if mapErr(err) == ErrNotFound {
				return ErrStatusConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		r.logger.Debug("Update request approval aborted",
			zap.String("request_id", a.RequestID.String()),
			zap.Error(err),
		)
		return nil, nil, mapErr(err)
	}
	return campaign, request, nil
}

func (r *UpdateRequestRepository) Reject(ctx context.Context, id, adminID uuid.UUID, note string, at time.Time) (*model.UpdateRequest, error) {
	u, err := scanUpdateRequest(r.db.QueryRow(ctx, `
		UPDATE campaign_update_requests
		SET status = 'rejected', reviewed_by = $2, reviewed_at = $3, admin_note = $4,
		    version = version + 1, updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+updateRequestColumns, id, adminID, at, note))
	if err != nil {
		if mapErr(err) == ErrNotFound {
			return nil, ErrStatusConflict
		}
		return nil, fmt.Errorf("reject update request: %w", err)
	}
	return u, nil
}
