// Package handlers implements the HTTP handlers of the GoalGuardian service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/agent"
	"github.com/IvaBojic/GoalGuardian/internal/gateway"
	"github.com/IvaBojic/GoalGuardian/internal/scheduler"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Agents     map[models.AgentName]*agent.Agent
	Summarizer *agent.Summarizer
	Gateway    *gateway.Gateway
	Scheduler  *scheduler.Scheduler
	// Ping reports storage health. Optional.
	Ping func(ctx context.Context) error
}

// New creates a Handlers instance serving the given conversational agents.
func New(agents []*agent.Agent, sum *agent.Summarizer, gw *gateway.Gateway, sched *scheduler.Scheduler) *Handlers {
	h := &Handlers{
		Agents:     make(map[models.AgentName]*agent.Agent, len(agents)),
		Summarizer: sum,
		Gateway:    gw,
		Scheduler:  sched,
	}
	for _, a := range agents {
		h.Agents[a.Name()] = a
	}
	return h
}

func (h *Handlers) lookup(name string) (*agent.Agent, bool) {
	parsed, ok := models.ParseAgentName(name)
	if !ok {
		return nil, false
	}
	a, ok := h.Agents[parsed]
	return a, ok
}

// ══════════════════════════════════════════════════════════════
// ── Health ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "goalguardian",
				"error":   err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "goalguardian",
	})
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		invalid  *agent.ValidationError
		upstream *agent.UpstreamError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrNoActiveSession), errors.Is(err, agent.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrStaleTurn), errors.Is(err, agent.ErrSessionComplete):
		return http.StatusConflict
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
