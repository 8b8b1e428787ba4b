package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/querycache"
	"github.com/lp-portfolio/internal/types"
)

// PositionsResponse is the body of a positions read
type PositionsResponse struct {
	LPPositions []types.Position `json:"lpPositions"`
	Summary     types.Summary    `json:"summary"`
	Meta        ResponseMeta     `json:"meta"`
}

// ResponseMeta tells the client where the data came from and how much to
// trust it
type ResponseMeta struct {
	Key         string            `json:"key"`
	Source      types.OutcomeKind `json:"source"`
	Endpoint    string            `json:"endpoint,omitempty"`
	DataQuality types.DataQuality `json:"dataQuality"`
	AgeSeconds  float64           `json:"ageSeconds,omitempty"`
	ResolvedAt  time.Time         `json:"resolvedAt"`
	QueryStatus querycache.Status `json:"queryStatus"`
}

func newPositionsResponse(key types.PortfolioKey, outcome *types.ResolutionOutcome, status querycache.Status) *PositionsResponse {
	snapshot := outcome.Snapshot.Normalize()
	return &PositionsResponse{
		LPPositions: snapshot.LPPositions,
		Summary:     snapshot.EffectiveSummary(),
		Meta: ResponseMeta{
			Key:         key.String(),
			Source:      outcome.Kind,
			Endpoint:    outcome.Source,
			DataQuality: outcome.Quality,
			AgeSeconds:  outcome.Age.Seconds(),
			ResolvedAt:  outcome.ResolvedAt,
			QueryStatus: status,
		},
	}
}

// pathKey extracts and validates the portfolio key from the route
func pathKey(w http.ResponseWriter, r *http.Request) (types.PortfolioKey, bool) {
	key := types.PortfolioKey(mux.Vars(r)["key"]).Normalize()
	if !key.IsValid() {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidKey, "Portfolio key required", nil)
		return "", false
	}
	return key, true
}

// handleGetPositions handles GET /api/portfolios/{key}/positions
func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	outcome, err := s.queries.Get(r.Context(), key)
	if err != nil {
		logging.FromContext(r.Context()).Component("api").WithError(err).WithField("key", key.String()).Warn("Positions read failed")
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, map[string]interface{}{"key": key.String()})
		return
	}

	respondJSON(w, http.StatusOK, newPositionsResponse(key, outcome, s.queries.Peek(key).Status))
}

// handleInvalidate handles DELETE /api/portfolios/{key}/cache
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	s.queries.Invalidate(key)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"key":         key.String(),
		"invalidated": true,
	})
}

// handleStreamPositions handles GET /api/portfolios/{key}/stream. Each
// outcome stored for the key is sent as a server-sent "positions" event
// until the client disconnects.
func (s *Server) handleStreamPositions(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, ErrCodeStreamUnsupported, "Streaming is not supported", nil)
		return
	}

	sub, err := s.queries.Subscribe(key)
	if err != nil {
		statusCode, code, message := mapServiceError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}
	defer sub.Close()

	logger := logging.FromContext(r.Context()).Component("stream").WithField("key", key.String())
	logger.Debug("Stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.config.StreamHeartbeat)
	defer heartbeat.Stop()

	var seq int
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("Stream closed by client")
			return

		case <-s.closing:
			fmt.Fprint(w, "event: close\ndata: {}\n\n")
			flusher.Flush()
			return

		case outcome, open := <-sub.Updates():
			if !open {
				fmt.Fprint(w, "event: close\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			seq++
			payload, err := json.Marshal(newPositionsResponse(key, outcome, s.queries.Peek(key).Status))
			if err != nil {
				logger.WithError(err).Error("Failed to encode stream event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: positions\ndata: %s\n\n", seq, payload); err != nil {
				logger.WithError(err).Debug("Stream write failed")
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
