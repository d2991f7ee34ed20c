package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

type fakeReplayStore struct {
	fakeStore
	events     map[int64]*Event
	maxRetries []int
	reset      []int64
}

func (f *fakeReplayStore) MarkAsFailed(ctx context.Context, id int64, maxRetries int) error {
	f.maxRetries = append(f.maxRetries, maxRetries)
	return f.fakeStore.MarkAsFailed(ctx, id, maxRetries)
}

func (f *fakeReplayStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	return e, nil
}

func (f *fakeReplayStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	var out []*Event
	for id := int64(1); id <= int64(len(f.events)) && len(out) < limit; id++ {
		if e, ok := f.events[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeReplayStore) ResetEvent(_ context.Context, id int64) error {
	if _, ok := f.events[id]; !ok {
		return fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	f.reset = append(f.reset, id)
	return nil
}

func newReplayStore() *fakeReplayStore {
	return &fakeReplayStore{events: map[int64]*Event{
		1: {ID: 1, RoutingKey: "campaign.cancelled", Payload: json.RawMessage(`{"trace_id":"t-1"}`), Status: StatusFailed},
		2: {ID: 2, RoutingKey: "escrow.request.released", Payload: json.RawMessage(`{}`), Status: StatusFailed},
	}}
}

func TestReplayFailedEvents(t *testing.T) {
	store := newReplayStore()
	sender := &fakeSender{failKey: "escrow.request.released"}

	r := NewReplayService(store, sender, 8, zap.NewNop())
	n, err := r.ReplayFailedEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReplayFailedEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed = %d, want 1", n)
	}
	if len(store.sent) != 1 || store.sent[0] != 1 {
		t.Errorf("unexpected sent ids %v", store.sent)
	}
	if len(store.failed) != 1 || store.failed[0] != 2 {
		t.Errorf("unexpected failed ids %v", store.failed)
	}
	if len(store.maxRetries) != 1 || store.maxRetries[0] != 8 {
		t.Errorf("configured retry cap not used: %v", store.maxRetries)
	}
	if sender.traceIDs[0] != "t-1" {
		t.Errorf("trace id not propagated: %v", sender.traceIDs)
	}
}

func TestReplayDefaultRetryCap(t *testing.T) {
	store := newReplayStore()
	r := NewReplayService(store, &fakeSender{failKey: "campaign.cancelled"}, 0, zap.NewNop())
	if err := r.ReplayEvent(context.Background(), 1); err == nil {
		t.Fatal("expected publish error")
	}
	if len(store.maxRetries) != 1 || store.maxRetries[0] != 5 {
		t.Errorf("unexpected retry cap %v", store.maxRetries)
	}
}

func TestRequeueEvent(t *testing.T) {
	store := newReplayStore()
	r := NewReplayService(store, &fakeSender{}, 5, zap.NewNop())

	if err := r.RequeueEvent(context.Background(), 2); err != nil {
		t.Fatalf("RequeueEvent: %v", err)
	}
	if len(store.reset) != 1 || store.reset[0] != 2 {
		t.Fatalf("unexpected reset ids %v", store.reset)
	}
	if err := r.RequeueEvent(context.Background(), 99); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	if len(store.sent) != 0 {
		t.Errorf("requeue must not publish, sent %v", store.sent)
	}
}
