package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gustycube/chainlens/internal/health"
	"github.com/gustycube/chainlens/internal/logging"
)

func TestNewServer_Routes(t *testing.T) {
	KnowledgeRefreshes.WithLabelValues("ok").Inc()

	h := health.NewHandler(logging.Nop())
	h.SetReady(true)
	srv := NewServer(":0", h)

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/metrics", http.StatusOK, "chainlens_knowledge_refreshes_total"},
		{"/health", http.StatusOK, `"status":"healthy"`},
		{"/ready", http.StatusOK, `"ready":true`},
		{"/live", http.StatusOK, `"alive":true`},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.wantCode {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.wantCode, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), tt.contains) {
			t.Errorf("%s: expected body to contain %q, got %s", tt.path, tt.contains, rec.Body.String())
		}
	}
}
