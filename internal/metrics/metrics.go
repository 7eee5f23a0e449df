package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/chainlens/internal/health"
)

var (
	KnowledgeRefreshes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chainlens_knowledge_refreshes_total", Help: "knowledge refresh attempts by outcome"}, []string{"outcome"})
	KnowledgeRecords     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chainlens_knowledge_records", Help: "records in the active knowledge table"})
	KnowledgeLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chainlens_knowledge_last_success_timestamp_seconds", Help: "unix time of the last successful knowledge refresh"})
	PeerQueries          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chainlens_peer_queries_total", Help: "peer list queries by upstream state selection"}, []string{"state"})
	UpstreamRequests     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chainlens_upstream_requests_total", Help: "upstream GETs by final status class"}, []string{"class"})
	UpstreamBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "chainlens_upstream_breaker_state", Help: "circuit breaker state per upstream host (0 closed, 1 open, 2 half-open)"}, []string{"host"})
	APIRequests          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chainlens_api_requests_total", Help: "API requests by route and status code"}, []string{"route", "code"})
	RateLimited          = prometheus.NewCounter(prometheus.CounterOpts{Name: "chainlens_api_rate_limited_total", Help: "API requests rejected by the rate limiter"})
)

func init() {
	prometheus.MustRegister(
		KnowledgeRefreshes,
		KnowledgeRecords,
		KnowledgeLastSuccess,
		PeerQueries,
		UpstreamRequests,
		UpstreamBreakerState,
		APIRequests,
		RateLimited,
	)
}

// NewServer builds the metrics and health server. The caller owns its lifecycle.
func NewServer(addr string, healthHandler *health.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler.HealthHandler)
	mux.HandleFunc("/ready", healthHandler.ReadinessHandler)
	mux.HandleFunc("/live", healthHandler.LivenessHandler)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func Serve(srv *http.Server, log *zap.SugaredLogger) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnw("metrics server stopped", "err", err)
	}
}
