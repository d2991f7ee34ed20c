package trace

import (
	"context"
	"testing"
)

func TestEnsureKeepsExistingTraceID(t *testing.T) {
	ctx := WithContext(context.Background(), "abc")
	if got := FromContext(Ensure(ctx)); got != "abc" {
		t.Fatalf("trace id = %q, want abc", got)
	}
}

func TestEnsureGeneratesTraceID(t *testing.T) {
	got := FromContext(Ensure(context.Background()))
	if len(got) != 32 {
		t.Fatalf("generated trace id %q has length %d, want 32", got, len(got))
	}
}
