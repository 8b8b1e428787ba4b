package api

import (
	"net/http"
	"time"

	"github.com/lp-portfolio/internal/circuitbreaker"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/querycache"
)

// StatsResponse is the body of GET /api/stats
type StatsResponse struct {
	UptimeSeconds float64                 `json:"uptimeSeconds"`
	Query         querycache.Stats        `json:"query"`
	ReadPath      *metrics.MonitorStats   `json:"readPath,omitempty"`
	Endpoints     []*circuitbreaker.Stats `json:"endpoints,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "lp-portfolio",
	})
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Query:         s.queries.Stats(),
	}
	if s.monitor != nil {
		resp.ReadPath = s.monitor.GetStats()
	}
	if s.breakers != nil {
		resp.Endpoints = s.breakers.BreakerStats()
	}

	respondJSON(w, http.StatusOK, resp)
}
