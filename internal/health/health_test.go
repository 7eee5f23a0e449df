package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gustycube/chainlens/internal/circuitbreaker"
	"github.com/gustycube/chainlens/internal/logging"
)

type staticChecker Status

func (s staticChecker) Check(ctx context.Context) Check {
	return Check{Status: Status(s)}
}

func TestEvaluate_FoldsStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks []Status
		want   Status
	}{
		{"none", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(logging.Nop())
			for i, s := range tt.checks {
				h.RegisterChecker(string(rune('a'+i)), staticChecker(s))
			}
			resp := h.Evaluate(context.Background())
			if resp.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, resp.Status)
			}
			if len(resp.Checks) != len(tt.checks) {
				t.Errorf("expected %d checks, got %d", len(tt.checks), len(resp.Checks))
			}
		})
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	h := NewHandler(logging.Nop())
	h.SetMetadata("version", "test")
	h.RegisterChecker("broken", staticChecker(StatusUnhealthy))

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Metadata["version"] != "test" || resp.Checks[0].Name != "broken" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestReadinessHandler(t *testing.T) {
	h := NewHandler(logging.Nop())

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 once ready, got %d", rec.Code)
	}
}

func TestKnowledgeChecker(t *testing.T) {
	tests := []struct {
		name     string
		loadedAt time.Time
		want     Status
	}{
		{"never loaded", time.Time{}, StatusDegraded},
		{"fresh", time.Now().Add(-time.Minute), StatusHealthy},
		{"stale", time.Now().Add(-time.Hour), StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewKnowledgeChecker(func() time.Time { return tt.loadedAt }, 15*time.Minute)
			if got := c.Check(context.Background()).Status; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRedisChecker(t *testing.T) {
	if got := NewRedisChecker(nil).Check(context.Background()).Status; got != StatusHealthy {
		t.Errorf("expected healthy when unconfigured, got %s", got)
	}
	failing := NewRedisChecker(func(context.Context) error { return errors.New("refused") })
	if got := failing.Check(context.Background()); got.Status != StatusDegraded || got.Message == "" {
		t.Errorf("unexpected check: %+v", got)
	}
}

func TestUpstreamChecker(t *testing.T) {
	stats := []circuitbreaker.HostStats{{Host: "node:4000", State: circuitbreaker.StateClosed}}
	c := NewUpstreamChecker(func() []circuitbreaker.HostStats { return stats })
	if got := c.Check(context.Background()).Status; got != StatusHealthy {
		t.Errorf("expected healthy, got %s", got)
	}

	stats = append(stats, circuitbreaker.HostStats{Host: "static:443", State: circuitbreaker.StateOpen})
	got := c.Check(context.Background())
	if got.Status != StatusDegraded || got.Message != "upstream breakers: static:443 open" {
		t.Errorf("unexpected check: %+v", got)
	}
}
