package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crowdfund/internal/model"
	"crowdfund/pkg/db"
	"crowdfund/pkg/otel"
)

const withdrawalColumns = `
	id, campaign_id, requested_by,
	withdrawal_request_amount::text, total_amount::text, remaining_amount::text,
	milestone_percentage, auto_created, request_status, reason,
	voting_start_date, voting_end_date, reviewed_by, reviewed_at, admin_note,
	released_at, cancelled_at, version, created_at, updated_at`

// EscrowTx 托管资金相关的事务内操作，调用方先 LockCampaign 再操作请求
type EscrowTx interface {
	LockCampaign(ctx context.Context, campaignID uuid.UUID) (*model.Campaign, error)
	ListRequests(ctx context.Context, campaignID uuid.UUID) ([]model.WithdrawalRequest, error)
	InsertRequest(ctx context.Context, r *model.WithdrawalRequest) error
	CancelOpenBelow(ctx context.Context, campaignID uuid.UUID, percentage int, at time.Time) ([]model.WithdrawalRequest, error)
	ApproveRequest(ctx context.Context, id, adminID uuid.UUID, at time.Time) (*model.WithdrawalRequest, error)
	ReleaseRequest(ctx context.Context, id uuid.UUID, remaining decimal.Decimal, at time.Time) (*model.WithdrawalRequest, error)
	AddReleased(ctx context.Context, campaignID uuid.UUID, amount decimal.Decimal, at time.Time) (*model.Campaign, error)
	TransitionCampaign(ctx context.Context, sc model.StatusChange) (*model.Campaign, error)
}

func scanWithdrawal(row pgx.Row) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	var status string
	var adminNote pgtype.Text
	err := row.Scan(
		&w.ID, &w.CampaignID, &w.RequestedBy,
		&w.Amount, &w.TotalAmount, &w.RemainingAmount,
		&w.MilestonePercentage, &w.AutoCreated, &status, &w.Reason,
		&w.VotingStartDate, &w.VotingEndDate, &w.ReviewedBy, &w.ReviewedAt, &adminNote,
		&w.ReleasedAt, &w.CancelledAt, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Status = model.WithdrawalStatus(status)
	w.AdminNote = adminNote.String
	return &w, nil
}

func queryWithdrawals(ctx context.Context, q querier, sql string, args ...any) ([]model.WithdrawalRequest, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.WithdrawalRequest{}
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// guardedWithdrawal 执行带状态谓词的 UPDATE ... RETURNING，0 行返回 ErrStatusConflict
func guardedWithdrawal(ctx context.Context, q querier, sql string, args ...any) (*model.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.QueryRow(ctx, sql, args...))
	if err != nil {
		err = mapErr(err)
		if err == ErrNotFound {
			return nil, ErrStatusConflict
		}
		return nil, err
	}
	return w, nil
}

type EscrowRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewEscrowRepository(db *pgxpool.Pool, logger *zap.Logger) *EscrowRepository {
	return &EscrowRepository{db: db, logger: logger}
}

func (r *EscrowRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.WithdrawalRequest, error) {
	w, err := scanWithdrawal(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM escrow_withdrawal_requests WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return w, nil
}

func (r *EscrowRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]model.WithdrawalRequest, error) {
	out, err := queryWithdrawals(ctx, r.db, `
		SELECT `+withdrawalColumns+`
		FROM escrow_withdrawal_requests
		WHERE campaign_id = $1
		ORDER BY milestone_percentage ASC, created_at ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list withdrawal requests: %w", err)
	}
	return out, nil
}

// OpenVoting pending_voting → voting_in_progress
func (r *EscrowRepository) OpenVoting(ctx context.Context, id uuid.UUID, start, end time.Time) (*model.WithdrawalRequest, error) {
	return guardedWithdrawal(ctx, r.db, `
		UPDATE escrow_withdrawal_requests
		SET request_status = 'voting_in_progress', voting_start_date = $2, voting_end_date = $3,
		    version = version + 1, updated_at = $2
		WHERE id = $1 AND request_status = 'pending_voting'
		RETURNING `+withdrawalColumns, id, start, end)
}

// FinalizeExpiredVoting 批量关闭已到期的投票窗口，返回本次迁移的请求
func (r *EscrowRepository) FinalizeExpiredVoting(ctx context.Context, now time.Time) ([]model.WithdrawalRequest, error) {
	var out []model.WithdrawalRequest
	err := otel.WithDBSpan(ctx, "update", "escrow_withdrawal_requests", func(ctx context.Context) error {
		var err error
		out, err = queryWithdrawals(ctx, r.db, `
			UPDATE escrow_withdrawal_requests
			SET request_status = 'voting_completed', version = version + 1, updated_at = $1
			WHERE request_status = 'voting_in_progress' AND voting_end_date <= $1
			RETURNING `+withdrawalColumns, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finalize expired voting: %w", mapErr(err))
	}
	return out, nil
}

// Reject voting_completed → admin_rejected
func (r *EscrowRepository) Reject(ctx context.Context, id, adminID uuid.UUID, note string, at time.Time) (*model.WithdrawalRequest, error) {
	return guardedWithdrawal(ctx, r.db, `
		UPDATE escrow_withdrawal_requests
		SET request_status = 'admin_rejected', reviewed_by = $2, reviewed_at = $3, admin_note = $4,
		    version = version + 1, updated_at = $3
		WHERE id = $1 AND request_status = 'voting_completed'
		RETURNING `+withdrawalColumns, id, adminID, at, note)
}

// WithinTx 在一个数据库事务中执行 fn
func (r *EscrowRepository) WithinTx(ctx context.Context, fn func(tx EscrowTx) error) error {
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(&escrowTx{tx: tx})
	})
	return mapErr(err)
}

type escrowTx struct {
	tx pgx.Tx
}

func (t *escrowTx) LockCampaign(ctx context.Context, campaignID uuid.UUID) (*model.Campaign, error) {
	c, err := scanCampaign(t.tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID))
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (t *escrowTx) ListRequests(ctx context.Context, campaignID uuid.UUID) ([]model.WithdrawalRequest, error) {
	return queryWithdrawals(ctx, t.tx, `
		SELECT `+withdrawalColumns+`
		FROM escrow_withdrawal_requests
		WHERE campaign_id = $1
		ORDER BY milestone_percentage ASC, created_at ASC
	`, campaignID)
}

func (t *escrowTx) InsertRequest(ctx context.Context, w *model.WithdrawalRequest) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO escrow_withdrawal_requests (
			id, campaign_id, requested_by,
			withdrawal_request_amount, total_amount, remaining_amount,
			milestone_percentage, auto_created, request_status, reason,
			voting_start_date, voting_end_date, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric,
		        $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING version
	`,
		w.ID, w.CampaignID, w.RequestedBy,
		w.Amount.String(), w.TotalAmount.String(), w.RemainingAmount.String(),
		w.MilestonePercentage, w.AutoCreated, string(w.Status), w.Reason,
		w.VotingStartDate, w.VotingEndDate, w.CreatedAt,
	).Scan(&w.Version)
	if err != nil {
		return fmt.Errorf("insert withdrawal request: %w", mapErr(err))
	}
	w.UpdatedAt = w.CreatedAt
	return nil
}

func (t *escrowTx) CancelOpenBelow(ctx context.Context, campaignID uuid.UUID, percentage int, at time.Time) ([]model.WithdrawalRequest, error) {
	return queryWithdrawals(ctx, t.tx, `
		UPDATE escrow_withdrawal_requests
		SET request_status = 'cancelled', cancelled_at = $3, version = version + 1, updated_at = $3
		WHERE campaign_id = $1
		  AND milestone_percentage < $2
		  AND request_status IN ('pending_voting', 'voting_in_progress', 'voting_completed')
		RETURNING `+withdrawalColumns, campaignID, percentage, at)
}

func (t *escrowTx) ApproveRequest(ctx context.Context, id, adminID uuid.UUID, at time.Time) (*model.WithdrawalRequest, error) {
	return guardedWithdrawal(ctx, t.tx, `
		UPDATE escrow_withdrawal_requests
		SET request_status = 'admin_approved', reviewed_by = $2, reviewed_at = $3,
		    version = version + 1, updated_at = $3
		WHERE id = $1 AND request_status = 'voting_completed'
		RETURNING `+withdrawalColumns, id, adminID, at)
}

func (t *escrowTx) ReleaseRequest(ctx context.Context, id uuid.UUID, remaining decimal.Decimal, at time.Time) (*model.WithdrawalRequest, error) {
	return guardedWithdrawal(ctx, t.tx, `
		UPDATE escrow_withdrawal_requests
		SET request_status = 'released', released_at = $3, remaining_amount = $2::text::numeric,
		    version = version + 1, updated_at = $3
		WHERE id = $1 AND request_status = 'admin_approved'
		RETURNING `+withdrawalColumns, id, remaining.String(), at)
}

func (t *escrowTx) AddReleased(ctx context.Context, campaignID uuid.UUID, amount decimal.Decimal, at time.Time) (*model.Campaign, error) {
	c, err := scanCampaign(t.tx.QueryRow(ctx, `
		UPDATE campaigns
		SET released_amount = released_amount + $2::text::numeric, version = version + 1, updated_at = $3
		WHERE id = $1
		RETURNING `+campaignColumns, campaignID, amount.String(), at))
	if err != nil {
		return nil, fmt.Errorf("add released amount: %w", mapErr(err))
	}
	return c, nil
}

func (t *escrowTx) TransitionCampaign(ctx context.Context, sc model.StatusChange) (*model.Campaign, error) {
	return transitionCampaign(ctx, t.tx, sc)
}
