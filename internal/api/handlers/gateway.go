package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/IvaBojic/GoalGuardian/internal/agent"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Deliver queues an agent utterance for the shared transcript.
func (h *Handlers) Deliver(w http.ResponseWriter, r *http.Request) {
	var req models.DeliverRequest
	if !decode(w, r, &req) {
		return
	}
	switch {
	case strings.TrimSpace(req.PatientID) == "":
		respondErr(w, r, &agent.ValidationError{Field: "patient_id", Reason: "required"})
		return
	case req.TurnIndex == nil:
		respondErr(w, r, &agent.ValidationError{Field: "turn_index", Reason: "required"})
		return
	case req.Message == nil:
		respondErr(w, r, &agent.ValidationError{Field: "message", Reason: "required"})
		return
	}

	h.Gateway.Deliver(r.Context(), req.PatientID, *req.TurnIndex, *req.Message)
	respondJSON(w, http.StatusAccepted, models.StatusResponse{Status: "queued"})
}

// RouteNext asks the gateway to start another agent.
func (h *Handlers) RouteNext(w http.ResponseWriter, r *http.Request) {
	var req models.RouteNextRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PatientID) == "" {
		respondErr(w, r, &agent.ValidationError{Field: "patient_id", Reason: "required"})
		return
	}
	raw := req.TargetAgent
	if raw == "" {
		raw = req.AgentToTrigger
	}
	target, ok := models.ParseAgentName(raw)
	if !ok {
		respondErr(w, r, fmt.Errorf("%w: %q", agent.ErrUnknownAgent, raw))
		return
	}

	h.Gateway.RouteNext(r.Context(), req.PatientID, req.TurnIndex, target)
	respondJSON(w, http.StatusAccepted, models.StatusResponse{Status: "queued"})
}

// SubmitReply routes a patient reply to the agent owning the current turn.
func (h *Handlers) SubmitReply(w http.ResponseWriter, r *http.Request) {
	var req models.ReplyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Gateway.SubmitReply(r.Context(), req.PatientID, req.UserInput)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) GetTranscript(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Gateway.Transcript(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// StreamTranscript upgrades to a WebSocket relaying transcript events.
func (h *Handlers) StreamTranscript(w http.ResponseWriter, r *http.Request) {
	h.Gateway.Hub().ServeWS(w, r, chi.URLParam(r, "patientID"))
}
