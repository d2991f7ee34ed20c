package util

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type flagged bool

func (f flagged) Error() string   { return "flagged" }
func (f flagged) Retryable() bool { return bool(f) }

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"business retryable", fmt.Errorf("wrap: %w", flagged(true)), true, "business_retryable"},
		{"business permanent", flagged(false), false, "business_error"},
		{"no rows", pgx.ErrNoRows, false, "not_found"},
		{"unique", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, "tx_conflict"},
		{"connection", &pgconn.PgError{Code: "08006"}, true, "db_connection_error"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"unknown", errors.New("boom"), false, "unknown_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tc.err)
			if retryable != tc.retryable || kind != tc.kind {
				t.Fatalf("got (%v, %q), want (%v, %q)", retryable, kind, tc.retryable, tc.kind)
			}
		})
	}
}

func TestDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	d := NewDeduper(rdb, time.Hour, nil)
	ctx := context.Background()

	if !d.AcquireOnce(ctx, "notification", "n-1") {
		t.Fatal("first acquire should succeed")
	}
	if d.AcquireOnce(ctx, "notification", "n-1") {
		t.Fatal("second acquire should be a duplicate")
	}
	if !d.AcquireOnce(ctx, "donation", "n-1") {
		t.Fatal("different handler must not collide")
	}

	d.Release(ctx, "notification", "n-1")
	if !d.AcquireOnce(ctx, "notification", "n-1") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestRetryCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rc := NewRetryCounter(rdb, time.Minute)
	ctx := context.Background()
	key := FormatRetryKey("fanout", "m-1")

	for want := int64(1); want <= 3; want++ {
		got, err := rc.IncrementAndGet(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}
	if !ShouldRetry(3, 3, true) || ShouldRetry(4, 3, true) || ShouldRetry(1, 3, false) {
		t.Fatal("unexpected ShouldRetry result")
	}
	if err := rc.Reset(ctx, key); err != nil {
		t.Fatal(err)
	}
	if got, _ := rc.Get(ctx, key); got != 0 {
		t.Fatalf("count after reset = %d", got)
	}
}
