// Package api is the HTTP surface of chainlens.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gustycube/chainlens/internal/knowledge"
	"github.com/gustycube/chainlens/internal/logging"
	"github.com/gustycube/chainlens/internal/metrics"
	"github.com/gustycube/chainlens/internal/peers"
	"github.com/gustycube/chainlens/internal/query"
	"github.com/gustycube/chainlens/internal/telemetry"
)

// Backend is what the handlers need from the data service.
type Backend interface {
	GetAccountKnowledge(address string) knowledge.Record
	ReloadAccountKnowledge(ctx context.Context)
	GetNetworkPeers(ctx context.Context, p peers.Params) (peers.Response, error)
}

type Limiter interface {
	Allow(key string) bool
}

type Server struct {
	backend Backend
	limiter Limiter
	log     *logging.Logger
}

func New(backend Backend, limiter Limiter, log *logging.Logger) *Server {
	return &Server{backend: backend, limiter: limiter, log: log}
}

// Handler returns the routed API with rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/peers", s.route("peers", s.handlePeers))
	mux.Handle("GET /api/v1/accounts/{address}/knowledge", s.route("knowledge", s.handleKnowledge))
	mux.Handle("POST /api/v1/knowledge/reload", s.route("reload", s.handleReload))
	return mux
}

// NewHTTPServer builds the listening server for the API.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("chainlens/api").Start(r.Context(), name)
		defer span.End()
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
			metrics.RateLimited.Inc()
			writeError(rec, http.StatusTooManyRequests, "rate limit exceeded")
		} else {
			h(rec, r)
		}
		span.SetAttributes(attribute.Int("http.status_code", rec.code))
		metrics.APIRequests.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var peerFilters = []string{"ip", "httpPort", "wsPort", "os", "version", "networkVersion", "height", "broadhash"}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := peers.Params{
		State:   q.Get("state"),
		Sort:    q.Get("sort"),
		Filters: map[string]string{},
	}
	for _, f := range peerFilters {
		if v := q.Get(f); v != "" {
			p.Filters[f] = v
		}
	}

	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		p.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		p.Limit = &n
	}
	if v := p.State; v != "" {
		if _, ok := peers.ParseState(v); !ok {
			writeError(w, http.StatusBadRequest, "state must be connected or disconnected")
			return
		}
	}

	res, err := s.backend.GetNetworkPeers(r.Context(), p)
	if err != nil {
		if errors.Is(err, query.ErrInvalidSort) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Warnw("peer listing failed", "err", err, "trace_id", telemetry.TraceID(r.Context()))
		writeError(w, http.StatusBadGateway, "peer list unavailable")
		return
	}
	if res.Data == nil {
		res.Data = []peers.Peer{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	rec := s.backend.GetAccountKnowledge(r.PathValue("address"))
	writeJSON(w, http.StatusOK, map[string]knowledge.Record{"data": rec})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.backend.ReloadAccountKnowledge(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
