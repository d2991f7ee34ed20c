package events

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"crowdfund/internal/testutil"
)

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeOutbox, false},
		{"outbox", ModeOutbox, false},
		{" Direct ", ModeDirect, false},
		{"kafka", "", true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseMode(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestCountedPassesThrough(t *testing.T) {
	pub := &testutil.Publisher{}
	c := NewCounted(ModeDirect, pub)

	if err := c.Publish(context.Background(), "campaign.created", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pub.Count("campaign.created") != 1 {
		t.Fatal("event not forwarded")
	}

	pub.Fail = true
	if err := c.Publish(context.Background(), "campaign.created", nil); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestOpenOutboxRequiresPool(t *testing.T) {
	if _, _, err := Open(ModeOutbox, nil, "", zap.NewNop()); err == nil {
		t.Fatal("expected error without pool")
	}
}
