package mq

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherPingWithoutConnection(t *testing.T) {
	p := &Publisher{}
	if p.IsConnected() {
		t.Fatal("publisher without a connection reports connected")
	}
	if err := p.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
