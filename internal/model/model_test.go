package model

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMilestonesValidate(t *testing.T) {
	ms := func(ps ...int) Milestones {
		out := make(Milestones, 0, len(ps))
		for _, p := range ps {
			out = append(out, Milestone{Percentage: p, CommitmentDays: 30, CommitmentDescription: "deliver"})
		}
		return out
	}

	cases := []struct {
		name string
		in   Milestones
		ok   bool
	}{
		{"single full", ms(100), true},
		{"ordered", ms(25, 50, 100), true},
		{"unordered", ms(100, 50), true},
		{"empty", nil, false},
		{"missing full", ms(25, 50), false},
		{"two full", ms(100, 100), false},
		{"duplicate", ms(50, 50, 100), false},
		{"zero", ms(0, 100), false},
		{"over", ms(120, 100), false},
		{"bad days", Milestones{{Percentage: 100, CommitmentDays: 0}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.in.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidMilestones) {
				t.Fatalf("expected ErrInvalidMilestones, got %v", err)
			}
		})
	}
}

func TestAvailableAmount(t *testing.T) {
	d := decimal.RequireFromString
	reqs := []WithdrawalRequest{
		{Amount: d("100"), Status: WithdrawalReleased},
		{Amount: d("50"), Status: WithdrawalVotingInProgress},
		{Amount: d("70"), Status: WithdrawalCancelled},
		{Amount: d("30"), Status: WithdrawalAdminRejected},
	}

	if got := AvailableAmount(d("400"), reqs); !got.Equal(d("250")) {
		t.Fatalf("available = %s, want 250", got)
	}
	if got := AvailableAmount(d("120"), reqs); !got.IsZero() {
		t.Fatalf("available must clamp at zero, got %s", got)
	}
}

func TestParseCampaignPatch(t *testing.T) {
	p, err := ParseCampaignPatch(map[string]any{
		"description":    "new text",
		"gallery_images": []any{"a.png", "b.png"},
		"goal_amount":    "1500.50",
		"end_date":       "2030-01-02",
		"status":         "completed",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := []string{"description", "end_date", "gallery_images", "goal_amount", "status"}
	if !reflect.DeepEqual(p.Fields(), want) {
		t.Fatalf("fields = %v, want %v", p.Fields(), want)
	}

	c := &Campaign{Description: "old", Title: "keep"}
	p.Apply(c)
	if c.Description != "new text" || c.Title != "keep" {
		t.Fatalf("unexpected apply result %+v", c)
	}
	if !c.GoalAmount.Equal(decimal.RequireFromString("1500.5")) {
		t.Fatalf("goal = %s", c.GoalAmount)
	}
	if !c.EndDate.Equal(time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("end date = %s", c.EndDate)
	}
	if c.Status != CampaignCompleted {
		t.Fatalf("status = %s", c.Status)
	}
}

func TestParseCampaignPatchErrors(t *testing.T) {
	cases := map[string]map[string]any{
		"description":    {"description": 42},
		"gallery_images": {"gallery_images": []any{"ok", 3}},
		"goal_amount":    {"goal_amount": "lots"},
		"end_date":       {"end_date": "tomorrow"},
		"status":         {"status": "archived"},
		"nickname":       {"nickname": "x"},
	}
	for field, in := range cases {
		_, err := ParseCampaignPatch(in)
		var fe *FieldValueError
		if !errors.As(err, &fe) || fe.Field != field {
			t.Errorf("%s: expected FieldValueError, got %v", field, err)
		}
	}
}

func TestStatusChangeApply(t *testing.T) {
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	c := &Campaign{Status: CampaignPending, Version: 3}

	StatusChange{To: CampaignRejected, Reason: "spam", At: at}.Apply(c)

	if c.Status != CampaignRejected || c.RejectionReason != "spam" || c.RejectedAt == nil {
		t.Fatalf("audit fields not set: %+v", c)
	}
	if c.Version != 4 || !c.UpdatedAt.Equal(at) {
		t.Fatalf("version/updated_at not bumped: %d %s", c.Version, c.UpdatedAt)
	}
}
