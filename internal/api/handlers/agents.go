package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/agent"
	"github.com/IvaBojic/GoalGuardian/internal/workflow"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// BeginAgent starts an agent's stage. The summarizer takes the full
// transcript and answers with the summary.
func (h *Handlers) BeginAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "agentName")
	var req models.BeginRequest
	if !decode(w, r, &req) {
		return
	}

	if parsed, _ := models.ParseAgentName(name); parsed == models.AgentSummarizer && h.Summarizer != nil {
		rec, err := h.Summarizer.Begin(r.Context(), req)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, models.BeginResponse{
			Status:    "summary_saved",
			PatientID: rec.PatientID,
			Summary:   rec.Summary,
		})
		return
	}

	a, ok := h.lookup(name)
	if !ok {
		respondErr(w, r, fmt.Errorf("%w: %s", agent.ErrUnknownAgent, name))
		return
	}
	res, err := a.Begin(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.BeginResponse{
		Status:    "started",
		PatientID: res.PatientID,
		TurnIndex: res.TurnIndex,
	})
}

// ContinueAgent hands one patient reply to an agent.
func (h *Handlers) ContinueAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "agentName")
	a, ok := h.lookup(name)
	if !ok {
		respondErr(w, r, fmt.Errorf("%w: %s", agent.ErrUnknownAgent, name))
		return
	}
	var req models.ContinueRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := a.Continue(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	status := "ok"
	if res.Action == workflow.ActionTerminate {
		status = "ignored"
		log.Debug().Str("agent", name).Str("patient_id", req.PatientID).Msg("Reply ignored by finished stage")
	}
	respondJSON(w, http.StatusOK, models.ContinueResponse{
		Status:    status,
		TurnIndex: res.TurnIndex,
		Action:    string(res.Action),
		Next:      res.Next,
	})
}

// GetRecord returns an agent's record of a patient, or the summary log for
// the summarizer.
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "agentName")
	patientID := chi.URLParam(r, "patientID")

	if parsed, _ := models.ParseAgentName(name); parsed == models.AgentSummarizer && h.Summarizer != nil {
		recs, err := h.Summarizer.Summaries(r.Context(), patientID)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, recs)
		return
	}

	a, ok := h.lookup(name)
	if !ok {
		respondErr(w, r, fmt.Errorf("%w: %s", agent.ErrUnknownAgent, name))
		return
	}
	rec, err := a.Record(r.Context(), patientID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
