package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aristath/forager/internal/agent"
	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/aristath/forager/internal/storage"
	"github.com/aristath/forager/internal/version"
)

const (
	defaultDecisionLimit = 50
	defaultCycleLimit    = 20
	maxListLimit         = 500
)

// StateResponse is the agent state snapshot plus the live counters
// around it.
type StateResponse struct {
	agent.State
	Budget             budget.Snapshot `json:"budget"`
	ActivePatterns     int             `json:"active_patterns"`
	DecisionsPublished int64           `json:"decisions_published"`
}

// handleHealth reports liveness and the build version.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "forager",
		"version": version.Version,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StateResponse{
		State:              s.loop.Snapshot(),
		Budget:             s.governor.Snapshot(),
		ActivePatterns:     s.patterns.Len(),
		DecisionsPublished: s.stream.Published(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.loop.Snapshot().Positions
	if positions == nil {
		positions = []domain.Position{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

// handleDecisions returns the most recent decisions from the in-memory
// ring, oldest first.
func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, "limit", defaultDecisionLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decisions := s.stream.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// handlePatterns returns live patterns, strongest first.
func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	patterns := s.patterns.All()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

// handleRecentCycles returns the newest cycle records from storage.
func (s *Server) handleRecentCycles(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, "limit", defaultCycleLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	docs, err := s.docs.QueryDocs(r.Context(), storage.CollCycles, domain.DocQuery{
		OrderBy: "-timestamp",
		Limit:   limit,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Cycle history query failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load cycle history")
		return
	}

	cycles := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		cycles = append(cycles, doc.Data)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cycles": cycles,
		"count":  len(cycles),
	})
}

// handleControl validates and queues one operator command. Commands
// apply at the next cycle boundary; an emergency stop takes effect
// immediately.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var cmd agent.Control
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed control body")
		return
	}

	if err := s.loop.Control(cmd); err != nil {
		if domain.IsKind(err, domain.KindConfig) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.log.Info().Str("command", string(cmd.Command)).Str("reason", cmd.Reason).Msg("Control command accepted")
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"command": cmd.Command,
	})
}

// queryLimit parses an optional positive integer query parameter,
// capped at maxListLimit.
func queryLimit(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}
