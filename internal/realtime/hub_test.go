package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crowdfund/pkg/circuitbreaker"
)

func newTestHub(t *testing.T, cfg circuitbreaker.Config) (*Hub, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewHub(rdb, cfg, zap.NewNop()), mr
}

func subscribe(t *testing.T, h *Hub, channel string) *redis.PubSub {
	t.Helper()
	ps := h.Subscribe(context.Background(), channel)
	t.Cleanup(func() { _ = ps.Close() })
	// 等待订阅确认，否则 PUBLISH 可能先到达
	if _, err := ps.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe %s: %v", channel, err)
	}
	return ps
}

func receive(t *testing.T, ps *redis.PubSub) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := ps.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestChannelNames(t *testing.T) {
	id := uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")
	if got := UserChannel(id); got != "user:7c9e6679-7425-40de-944b-e07fc1f90ae7" {
		t.Errorf("UserChannel = %q", got)
	}
	if got := CampaignChannel(id); got != "campaign:7c9e6679-7425-40de-944b-e07fc1f90ae7" {
		t.Errorf("CampaignChannel = %q", got)
	}
}

func TestToUserDeliversOnPersonalChannel(t *testing.T) {
	h, _ := newTestHub(t, circuitbreaker.Config{})
	user := uuid.New()
	ps := subscribe(t, h, UserChannel(user))

	if err := h.ToUser(context.Background(), user, Message{Type: "notification", Data: map[string]string{"id": "n1"}}); err != nil {
		t.Fatalf("ToUser: %v", err)
	}
	msg := receive(t, ps)
	if msg.Type != "notification" {
		t.Fatalf("unexpected type %q", msg.Type)
	}
	data, _ := msg.Data.(map[string]any)
	if data["id"] != "n1" {
		t.Fatalf("unexpected data %v", msg.Data)
	}
}

func TestBroadcastDeliversOnCampaignChannel(t *testing.T) {
	h, _ := newTestHub(t, circuitbreaker.Config{})
	campaign := uuid.New()
	ps := subscribe(t, h, CampaignChannel(campaign))

	if err := h.Broadcast(context.Background(), campaign, Message{Type: "donation.received"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if msg := receive(t, ps); msg.Type != "donation.received" {
		t.Fatalf("unexpected type %q", msg.Type)
	}
}

func TestBreakerOpensWhenRedisIsDown(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("realtime-test")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	h, mr := newTestHub(t, cfg)
	mr.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := h.ToUser(ctx, uuid.New(), Message{Type: "x"})
		if err == nil || errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			t.Fatalf("attempt %d: expected redis error, got %v", i, err)
		}
	}
	if h.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", h.State())
	}
	if err := h.Broadcast(ctx, uuid.New(), Message{Type: "x"}); !errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}
