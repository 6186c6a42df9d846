package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

type ingestRequest struct {
	Sessions []models.SessionEntry `json:"sessions"`
}

// IngestSessions records the latest coaching sessions and reschedules the
// affected reviews. The body is either {"sessions": [...]} or a bare array.
func (h *Handlers) IngestSessions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var sessions []models.SessionEntry
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &sessions)
	} else {
		var req ingestRequest
		err = json.Unmarshal(trimmed, &req)
		sessions = req.Sessions
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	entries, err := h.Scheduler.IngestSessions(r.Context(), sessions)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	log.Info().Int("sessions", len(sessions)).Msg("Sessions received")
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "received",
		"patients": len(entries),
	})
}

// ListSchedule returns every patient's next review slot.
func (h *Handlers) ListSchedule(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Scheduler.Entries(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.ReviewEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}
