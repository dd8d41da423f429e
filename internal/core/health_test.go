package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"carpoolhub/internal/config"
)

type panicProbe struct{}

func (panicProbe) Name() string { return "panicky" }
func (panicProbe) Check(ctx context.Context) error { panic("boom") }

func runHealth(t *testing.T, probes ...HealthProbe) (int, healthResponse) {
	t.Helper()
	srv := newTestServerForMiddleware(t)
	srv.Config = &config.Config{Build: config.BuildInfo{Version: "1.2.3"}}
	srv.HealthProbes = probes

	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	code, resp := runHealth(t)
	if code != http.StatusOK || resp.Status != "healthy" {
		t.Errorf("expected healthy 200, got %d %+v", code, resp)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", resp.Version)
	}
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	code, resp := runHealth(t, PingProbe{Component: "database", Ping: func(context.Context) error { return nil }})
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if resp.Components["database"].Status != "healthy" {
		t.Errorf("unexpected components %+v", resp.Components)
	}
}

func TestHandleHealth_Failures(t *testing.T) {
	code, resp := runHealth(t,
		PingProbe{Component: "database", Ping: func(context.Context) error { return errors.New("connection refused") }},
		PingProbe{Component: "queue", Ping: func(context.Context) error { return nil }},
		panicProbe{},
	)
	if code != http.StatusServiceUnavailable || resp.Status != "unhealthy" {
		t.Errorf("expected unhealthy 503, got %d %+v", code, resp)
	}
	if resp.Components["database"].Message != "connection refused" {
		t.Errorf("unexpected database status %+v", resp.Components["database"])
	}
	if resp.Components["queue"].Status != "healthy" {
		t.Errorf("unexpected queue status %+v", resp.Components["queue"])
	}
	if resp.Components["panicky"].Status != "unhealthy" {
		t.Errorf("expected the panicking probe to be unhealthy, got %+v", resp.Components["panicky"])
	}
}

func TestHandleHealth_Timeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the health deadline")
	}
	slow := PingProbe{Component: "database", Ping: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			time.Sleep(50 * time.Millisecond)
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	}}
	code, resp := runHealth(t, slow)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Components["database"].Status != "unhealthy" {
		t.Errorf("unexpected status %+v", resp.Components["database"])
	}
}
