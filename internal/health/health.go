package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gustycube/chainlens/internal/circuitbreaker"
	"github.com/gustycube/chainlens/internal/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler manages health and readiness checks
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	logger   *logging.Logger
	ready    bool
}

func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		logger:   logger,
	}
}

func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *Handler) snapshot() (map[string]Checker, map[string]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	return checkers, metadata, h.ready
}

// Evaluate runs every registered checker and folds them into one response.
func (h *Handler) Evaluate(ctx context.Context) Response {
	checkers, metadata, _ := h.snapshot()

	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    []Check{},
		Metadata:  metadata,
	}
	for _, name := range names {
		check := checkers[name].Check(ctx)
		check.Name = name
		resp.Checks = append(resp.Checks, check)

		switch {
		case check.Status == StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case check.Status == StatusDegraded && resp.Status == StatusHealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := h.Evaluate(ctx)
	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
		h.logger.Warnw("health check failed", "checks", resp.Checks)
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	_, metadata, ready := h.snapshot()

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"metadata":  metadata,
	})
}

// LivenessHandler always answers OK while the process runs.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func result(start time.Time, status Status, msg string) Check {
	return Check{
		Status:      status,
		Message:     msg,
		LastChecked: time.Now(),
		DurationMS:  time.Since(start).Milliseconds(),
	}
}

// RedisChecker pings the snapshot redis.
type RedisChecker struct {
	ping func(ctx context.Context) error
}

func NewRedisChecker(ping func(ctx context.Context) error) *RedisChecker {
	return &RedisChecker{ping: ping}
}

func (c *RedisChecker) Check(ctx context.Context) Check {
	start := time.Now()
	if c.ping == nil {
		return result(start, StatusHealthy, "Redis not configured")
	}
	if err := c.ping(ctx); err != nil {
		// the knowledge table still serves from memory
		return result(start, StatusDegraded, "Redis connection failed: "+err.Error())
	}
	return result(start, StatusHealthy, "Redis connection OK")
}

// KnowledgeChecker reports how fresh the active knowledge table is.
type KnowledgeChecker struct {
	loadedAt func() time.Time
	maxAge   time.Duration
}

func NewKnowledgeChecker(loadedAt func() time.Time, maxAge time.Duration) *KnowledgeChecker {
	return &KnowledgeChecker{loadedAt: loadedAt, maxAge: maxAge}
}

func (c *KnowledgeChecker) Check(ctx context.Context) Check {
	start := time.Now()
	at := c.loadedAt()
	if at.IsZero() {
		return result(start, StatusDegraded, "knowledge table never loaded")
	}
	if age := time.Since(at); c.maxAge > 0 && age > c.maxAge {
		return result(start, StatusDegraded, fmt.Sprintf("knowledge table is stale (%s old)", age.Round(time.Second)))
	}
	return result(start, StatusHealthy, "knowledge table fresh")
}

// UpstreamChecker reports upstream hosts whose breaker is not closed.
type UpstreamChecker struct {
	stats func() []circuitbreaker.HostStats
}

func NewUpstreamChecker(stats func() []circuitbreaker.HostStats) *UpstreamChecker {
	return &UpstreamChecker{stats: stats}
}

func (c *UpstreamChecker) Check(ctx context.Context) Check {
	start := time.Now()
	var tripped []string
	for _, s := range c.stats() {
		if s.State != circuitbreaker.StateClosed {
			tripped = append(tripped, s.Host+" "+s.State.String())
		}
	}
	if len(tripped) > 0 {
		return result(start, StatusDegraded, "upstream breakers: "+strings.Join(tripped, ", "))
	}
	return result(start, StatusHealthy, "upstreams reachable")
}
