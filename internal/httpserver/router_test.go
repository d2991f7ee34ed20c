package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func serve(r *Router, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.Engine.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r := NewRouter(zap.NewNop(), nil)
	if w := serve(r, http.MethodGet, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", w.Code)
	}
	if w := serve(r, http.MethodHead, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("HEAD /healthz = %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	r := NewRouter(zap.NewNop(), map[string]Check{"db": ok, "redis": ok})
	if w := serve(r, http.MethodGet, "/readyz"); w.Code != http.StatusOK {
		t.Fatalf("ready = %d", w.Code)
	}

	r = NewRouter(zap.NewNop(), map[string]Check{"db": ok, "redis": down})
	w := serve(r, http.MethodGet, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "redis_not_ready") {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewRouter(zap.NewNop(), nil)
	w := serve(r, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatal("expected default collectors in /metrics output")
	}
}
