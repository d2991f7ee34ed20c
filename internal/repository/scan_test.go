package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"crowdfund/internal/model"
)

// column 一列文本格式的原始值，text 为 nil 表示 NULL
type column struct {
	oid  uint32
	text *string
}

func val(oid uint32, s string) column { return column{oid: oid, text: &s} }

func nullCol(oid uint32) column { return column{oid: oid} }

// textRow 按列 OID 用 pgtype.Map 解码，与 pgx.Rows.Scan 的逐列解码一致
type textRow []column

func (r textRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("%d destinations for %d columns", len(dest), len(r))
	}
	m := pgtype.NewMap()
	for i, c := range r {
		var src []byte
		if c.text != nil {
			src = []byte(*c.text)
		}
		if err := m.Scan(c.oid, pgtype.TextFormatCode, src, dest[i]); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

const (
	campaignID = "6f1c2a52-8d1e-4b7a-9f3e-2a4c5d6e7f80"
	creatorID  = "0b9a8c7d-6e5f-4a3b-8c2d-1e0f9a8b7c6d"
	adminID    = "3c4d5e6f-7a8b-4c9d-8e0f-1a2b3c4d5e6f"
	requestID  = "9e8d7c6b-5a4f-4e3d-8c2b-1a0f9e8d7c6b"
	ts         = "2025-03-01 12:00:00+00"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func campaignRow(rejectionReason, cancellationReason column) textRow {
	return textRow{
		val(pgtype.UUIDOID, campaignID),
		val(pgtype.UUIDOID, creatorID),
		val(pgtype.TextOID, "Clean water"),
		val(pgtype.TextOID, ""),
		val(pgtype.TextOID, "environment"),
		val(pgtype.TextOID, ""),
		val(pgtype.TextArrayOID, `{"https://cdn/1.png","https://cdn/2.png"}`),
		val(pgtype.TextArrayOID, `{}`),
		val(pgtype.TextOID, "50000000.00"),
		val(pgtype.TextOID, "1250000.50"),
		val(pgtype.TextOID, "0.00"),
		val(pgtype.TimestamptzOID, ts),
		val(pgtype.TimestamptzOID, "2025-04-01 00:00:00+00"),
		val(pgtype.TextOID, "active"),
		val(pgtype.JSONBOID, `[{"percentage":50,"commitment_days":30,"commitment_description":"wells"},{"percentage":100,"commitment_days":60,"commitment_description":"pumps"}]`),
		val(pgtype.UUIDOID, adminID),
		val(pgtype.TimestamptzOID, ts),
		nullCol(pgtype.UUIDOID),
		nullCol(pgtype.TimestamptzOID),
		rejectionReason,
		nullCol(pgtype.TimestamptzOID),
		cancellationReason,
		nullCol(pgtype.TimestamptzOID),
		val(pgtype.Int8OID, "4"),
		val(pgtype.TimestamptzOID, ts),
		val(pgtype.TimestamptzOID, ts),
	}
}

func TestTextRowDecodesLikePgx(t *testing.T) {
	var s string
	if err := (textRow{nullCol(pgtype.TextOID)}).Scan(&s); err == nil {
		t.Fatal("NULL into a plain string should fail")
	}
}

func TestScanCampaignNullAuditColumns(t *testing.T) {
	c, err := scanCampaign(campaignRow(nullCol(pgtype.TextOID), nullCol(pgtype.TextOID)))
	if err != nil {
		t.Fatalf("scanCampaign: %v", err)
	}
	if c.RejectionReason != "" || c.CancellationReason != "" {
		t.Errorf("NULL reasons should scan as empty, got %q %q", c.RejectionReason, c.CancellationReason)
	}
	if c.ID != uuid.MustParse(campaignID) || c.Status != model.CampaignActive || c.Version != 4 {
		t.Errorf("unexpected campaign: %+v", c)
	}
	if !c.GoalAmount.Equal(decimal.NewFromInt(50_000_000)) || !c.CurrentAmount.Equal(decimal.RequireFromString("1250000.5")) || !c.ReleasedAmount.IsZero() {
		t.Errorf("decimal columns: goal=%s current=%s released=%s", c.GoalAmount, c.CurrentAmount, c.ReleasedAmount)
	}
	if c.ApprovedBy == nil || *c.ApprovedBy != uuid.MustParse(adminID) || c.ApprovedAt == nil || !c.ApprovedAt.Equal(t0) {
		t.Errorf("approval audit: %v %v", c.ApprovedBy, c.ApprovedAt)
	}
	if c.RejectedBy != nil || c.RejectedAt != nil || c.CancelledAt != nil || c.CompletedAt != nil {
		t.Errorf("NULL timestamps should stay nil: %+v", c)
	}
	if len(c.Milestones) != 2 || c.Milestones[1].Percentage != 100 || len(c.GalleryImages) != 2 || len(c.ProofDocumentsURL) != 0 {
		t.Errorf("collections: %+v %v %v", c.Milestones, c.GalleryImages, c.ProofDocumentsURL)
	}
	if !c.StartDate.Equal(t0) {
		t.Errorf("start_date = %v", c.StartDate)
	}
}

func TestScanCampaignReasons(t *testing.T) {
	c, err := scanCampaign(campaignRow(val(pgtype.TextOID, "incomplete proof"), val(pgtype.TextOID, "changed plans")))
	if err != nil {
		t.Fatalf("scanCampaign: %v", err)
	}
	if c.RejectionReason != "incomplete proof" || c.CancellationReason != "changed plans" {
		t.Errorf("unexpected reasons %q %q", c.RejectionReason, c.CancellationReason)
	}
}

func TestScanWithdrawalNullAdminNote(t *testing.T) {
	row := textRow{
		val(pgtype.UUIDOID, requestID),
		val(pgtype.UUIDOID, campaignID),
		val(pgtype.UUIDOID, creatorID),
		val(pgtype.TextOID, "625000.25"),
		val(pgtype.TextOID, "1250000.50"),
		val(pgtype.TextOID, "625000.25"),
		val(pgtype.Int4OID, "50"),
		val(pgtype.BoolOID, "t"),
		val(pgtype.TextOID, "pending_voting"),
		val(pgtype.TextOID, ""),
		nullCol(pgtype.TimestamptzOID),
		nullCol(pgtype.TimestamptzOID),
		nullCol(pgtype.UUIDOID),
		nullCol(pgtype.TimestamptzOID),
		nullCol(pgtype.TextOID),
		nullCol(pgtype.TimestamptzOID),
		nullCol(pgtype.TimestamptzOID),
		val(pgtype.Int8OID, "1"),
		val(pgtype.TimestamptzOID, ts),
		val(pgtype.TimestamptzOID, ts),
	}

	w, err := scanWithdrawal(row)
	if err != nil {
		t.Fatalf("scanWithdrawal: %v", err)
	}
	if w.AdminNote != "" || w.ReviewedBy != nil || w.VotingStartDate != nil {
		t.Errorf("NULL columns: %+v", w)
	}
	if w.Status != model.WithdrawalPendingVoting || w.MilestonePercentage != 50 || !w.AutoCreated {
		t.Errorf("unexpected request: %+v", w)
	}
	if !w.Amount.Equal(decimal.RequireFromString("625000.25")) || !w.TotalAmount.Equal(decimal.RequireFromString("1250000.5")) {
		t.Errorf("decimal columns: amount=%s total=%s", w.Amount, w.TotalAmount)
	}
}

func TestScanUpdateRequestNullAdminNote(t *testing.T) {
	row := textRow{
		val(pgtype.UUIDOID, requestID),
		val(pgtype.UUIDOID, campaignID),
		val(pgtype.UUIDOID, creatorID),
		val(pgtype.JSONBOID, `{"description":"more books","end_date":"2025-05-01"}`),
		val(pgtype.TextOID, "pending"),
		nullCol(pgtype.UUIDOID),
		nullCol(pgtype.TimestamptzOID),
		nullCol(pgtype.TextOID),
		val(pgtype.Int8OID, "1"),
		val(pgtype.TimestamptzOID, ts),
		val(pgtype.TimestamptzOID, ts),
	}

	u, err := scanUpdateRequest(row)
	if err != nil {
		t.Fatalf("scanUpdateRequest: %v", err)
	}
	if u.AdminNote != "" || u.ReviewedBy != nil || u.Status != model.UpdateRequestPending {
		t.Errorf("unexpected request: %+v", u)
	}
	if u.RequestedChanges["description"] != "more books" {
		t.Errorf("requested changes: %v", u.RequestedChanges)
	}
}
