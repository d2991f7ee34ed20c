package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"crowdfund/pkg/trace"
)

type fakeStore struct {
	pending []*Event
	sent    []int64
	failed  []int64
}

func (f *fakeStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeStore) MarkAsFailed(_ context.Context, id int64, _ int) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeSender struct {
	failKey  string
	traceIDs []string
}

func (f *fakeSender) PublishRaw(ctx context.Context, routingKey string, _ []byte) error {
	if routingKey == f.failKey {
		return errors.New("broker down")
	}
	f.traceIDs = append(f.traceIDs, trace.FromContext(ctx))
	return nil
}

func TestDispatcher_ProcessPending(t *testing.T) {
	store := &fakeStore{pending: []*Event{
		{ID: 1, RoutingKey: "campaign.approved", Payload: json.RawMessage(`{"trace_id":"t-1"}`)},
		{ID: 2, RoutingKey: "escrow.request.created", Payload: json.RawMessage(`{}`)},
		{ID: 3, RoutingKey: "notification.created", Payload: json.RawMessage(`{"trace_id":"t-3"}`)},
	}}
	sender := &fakeSender{failKey: "escrow.request.created"}

	d := NewDispatcher(store, sender, zap.NewNop())
	if sent := d.ProcessPending(context.Background()); sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	if len(store.sent) != 2 || store.sent[0] != 1 || store.sent[1] != 3 {
		t.Fatalf("unexpected sent ids %v", store.sent)
	}
	if len(store.failed) != 1 || store.failed[0] != 2 {
		t.Fatalf("unexpected failed ids %v", store.failed)
	}
	if sender.traceIDs[0] != "t-1" || sender.traceIDs[1] != "t-3" {
		t.Fatalf("trace ids not propagated: %v", sender.traceIDs)
	}
}

func TestAggregateType(t *testing.T) {
	cases := map[string]string{
		"campaign.approved":       "campaign",
		"escrow.request.released": "escrow",
		"campaign":                "campaign",
	}
	for in, want := range cases {
		if got := aggregateType(in); got != want {
			t.Errorf("aggregateType(%q) = %q, want %q", in, got, want)
		}
	}
}
