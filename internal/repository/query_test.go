package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"crowdfund/internal/model"
)

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// stubQuerier 记录最后一条语句并返回预设的行
type stubQuerier struct {
	row  pgx.Row
	sql  string
	args []any
}

func (q *stubQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.sql, q.args = sql, args
	return q.row
}

func (q *stubQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

func TestMapErr(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", ConstraintName: "uq_update_request_pending"}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"wrapped no rows", fmt.Errorf("get: %w", pgx.ErrNoRows), ErrNotFound},
		{"unique", unique, ErrDuplicate},
		{"serialization", &pgconn.PgError{Code: "40001"}, ErrTxConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrTxConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapErr(tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("mapErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	var pgErr *pgconn.PgError
	if !errors.As(mapErr(unique), &pgErr) || pgErr.ConstraintName != "uq_update_request_pending" {
		t.Error("driver error should stay in the chain")
	}
	if mapErr(nil) != nil {
		t.Error("nil should stay nil")
	}
	plain := errors.New("boom")
	if mapErr(plain) != plain {
		t.Error("unknown errors pass through")
	}
}

func TestTransitionCampaignGuardsFromStatus(t *testing.T) {
	q := &stubQuerier{row: errRow{pgx.ErrNoRows}}
	_, err := transitionCampaign(context.Background(), q, model.StatusChange{
		CampaignID: uuid.MustParse(campaignID),
		From:       model.CampaignPending,
		To:         model.CampaignActive,
		ActorID:    uuid.MustParse(adminID),
		At:         t0,
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if !strings.Contains(q.sql, "WHERE id = $1 AND status = $2") {
		t.Errorf("missing status predicate: %s", q.sql)
	}
	if q.args[1] != "pending" || q.args[2] != "active" {
		t.Errorf("unexpected args %v", q.args)
	}
}

func TestTransitionCampaignSystemActor(t *testing.T) {
	q := &stubQuerier{row: campaignRow(nullCol(pgtype.TextOID), nullCol(pgtype.TextOID))}
	c, err := transitionCampaign(context.Background(), q, model.StatusChange{
		CampaignID: uuid.MustParse(campaignID),
		From:       model.CampaignActive,
		To:         model.CampaignCompleted,
		At:         t0,
	})
	if err != nil {
		t.Fatalf("transitionCampaign: %v", err)
	}
	if c.ID != uuid.MustParse(campaignID) {
		t.Errorf("unexpected campaign %v", c.ID)
	}
	if actor, ok := q.args[3].(*uuid.UUID); !ok || actor != nil {
		t.Errorf("system transitions should write a NULL actor, got %#v", q.args[3])
	}
}

func TestUpdateCampaignPredicates(t *testing.T) {
	goal := decimal.NewFromInt(60_000_000)
	q := &stubQuerier{row: errRow{pgx.ErrNoRows}}

	_, err := updateCampaign(context.Background(), q, uuid.MustParse(campaignID), 3,
		model.CampaignPatch{GoalAmount: &goal}, " AND current_amount = 0", t0)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if !strings.Contains(q.sql, "WHERE id = $1 AND version = $2 AND current_amount = 0") {
		t.Errorf("missing predicates: %s", q.sql)
	}
	if !strings.Contains(q.sql, "goal_amount = $4::text::numeric") || q.args[3] != "60000000" {
		t.Errorf("decimal should be bound as text: %s %v", q.sql, q.args)
	}
	if q.args[1] != int64(3) {
		t.Errorf("expected version arg 3, got %v", q.args[1])
	}

	q = &stubQuerier{row: errRow{&pgconn.PgError{Code: "40001"}}}
	_, err = updateCampaign(context.Background(), q, uuid.MustParse(campaignID), 3,
		model.CampaignPatch{GoalAmount: &goal}, "", t0)
	if !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected ErrTxConflict, got %v", err)
	}
}

func TestGuardedWithdrawalNoRows(t *testing.T) {
	q := &stubQuerier{row: errRow{pgx.ErrNoRows}}
	if _, err := guardedWithdrawal(context.Background(), q, "UPDATE ..."); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}
