package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/llm"
	"github.com/IvaBojic/GoalGuardian/internal/metrics"
	"github.com/IvaBojic/GoalGuardian/internal/store"
	"github.com/IvaBojic/GoalGuardian/internal/telemetry"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

const (
	summarizerSystem = "You are a health coach assistant. Summarize check-in sessions for the health coach: " +
		"the patient's mood, the goal they reviewed, how they rated their progress, any challenges, and their feedback."
	transcriptHeader = "Here is the full conversation between the health coach and the patient:"
)

// Summarizer produces one summary per completed review and appends it to the
// summary log. It is the end of the chain and never hands off.
type Summarizer struct {
	summaries   store.SummaryStore
	gen         llm.Generator
	metrics     *metrics.Metrics
	temperature float64
	now         func() time.Time
}

func NewSummarizer(summaries store.SummaryStore, gen llm.Generator, temperature float64, m *metrics.Metrics) *Summarizer {
	return &Summarizer{summaries: summaries, gen: gen, metrics: m, temperature: temperature, now: time.Now}
}

// SetClock overrides the creation time source, for tests.
func (s *Summarizer) SetClock(now func() time.Time) { s.now = now }

// Name is the summarizer's workflow name.
func (s *Summarizer) Name() models.AgentName { return models.AgentSummarizer }

// Begin summarizes the transcript carried by req.
func (s *Summarizer) Begin(ctx context.Context, req models.BeginRequest) (rec *models.SummaryRecord, err error) {
	ctx, span := telemetry.StartSpan(ctx, "agent.summarize", req.PatientID, telemetry.AttrAgent.String(string(models.AgentSummarizer)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
		if s.metrics != nil {
			outcome := "summarized"
			if err != nil {
				outcome = "error"
			}
			s.metrics.AgentTurns.WithLabelValues(string(models.AgentSummarizer), outcome).Inc()
		}
	}()

	if strings.TrimSpace(req.PatientID) == "" {
		return nil, &ValidationError{Field: "patient_id", Reason: "required"}
	}
	if len(req.ChatHistory) == 0 {
		return nil, &ValidationError{Field: "chat_history", Reason: "required"}
	}

	summary, err := generate(ctx, s.gen, s.temperature, []models.ChatMessage{
		{Role: models.RoleSystem, Content: summarizerSystem},
		{Role: models.RoleUser, Content: FormatTranscript(req.ChatHistory)},
	})
	if err != nil {
		return nil, err
	}

	rec = &models.SummaryRecord{
		ID:          uuid.New().String(),
		PatientID:   req.PatientID,
		ChatHistory: append([]models.ChatMessage{}, req.ChatHistory...),
		Summary:     summary,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.summaries.Append(ctx, *rec); err != nil {
		return nil, fmt.Errorf("append summary: %w", err)
	}

	log.Info().Str("patient_id", req.PatientID).Str("summary_id", rec.ID).Int("messages", len(req.ChatHistory)).Msg("Review summarized")
	return rec, nil
}

// FormatTranscript renders a history as "Role: content" lines under a short
// header.
func FormatTranscript(history []models.ChatMessage) string {
	var b strings.Builder
	b.WriteString(transcriptHeader)
	b.WriteString("\n\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Label(), m.Content)
	}
	return b.String()
}

// Summaries lists the stored summaries of a patient, oldest first.
func (s *Summarizer) Summaries(ctx context.Context, patientID models.PatientID) ([]models.SummaryRecord, error) {
	recs, err := s.summaries.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	if recs == nil {
		recs = []models.SummaryRecord{}
	}
	return recs, nil
}
