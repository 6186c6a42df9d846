// Package models holds the domain types shared by the GoalGuardian stores,
// agents, gateway and scheduler, plus the JSON wire payloads of the HTTP API.
package models

import (
	"strings"
	"time"
)

// ── Patients & Messages ─────────────────────────────────────

// PatientID is the opaque, stable key used by every store.
type PatientID = string

// Role identifies the speaker of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant" // agent utterance
	RoleUser      Role = "user"      // patient reply
)

// ChatMessage is one entry of a conversation history.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Label renders the role the way transcripts are presented to the summarizer.
func (m ChatMessage) Label() string {
	r := string(m.Role)
	if r == "" {
		return ""
	}
	return strings.ToUpper(r[:1]) + r[1:]
}

// ── Agents ──────────────────────────────────────────────────

// AgentName names one stage of the weekly review workflow.
type AgentName string

const (
	AgentOpener     AgentName = "opener"
	AgentGoalReview AgentName = "goal-review"
	AgentCloser     AgentName = "closer"
	AgentSummarizer AgentName = "summarizer"
)

// ParseAgentName accepts the canonical names and the legacy short codes
// (SOA, GRA, SCA, SSA) used by older front ends.
func ParseAgentName(s string) (AgentName, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "opener", "soa":
		return AgentOpener, true
	case "goal-review", "goal_review", "gra":
		return AgentGoalReview, true
	case "closer", "sca":
		return AgentCloser, true
	case "summarizer", "ssa":
		return AgentSummarizer, true
	}
	return "", false
}

// ── Conversation Records ────────────────────────────────────

// RecordStatus tracks where an agent's stage stands for one patient.
type RecordStatus string

const (
	RecordActive    RecordStatus = "active"
	RecordHandedOff RecordStatus = "handed_off"
	RecordCompleted RecordStatus = "completed"
)

// PatientContext is the seed context supplied by the note-extraction service.
type PatientContext struct {
	PreferredName string   `json:"preferred_name"`
	Hobbies       []string `json:"hobbies,omitempty"`
	Family        []string `json:"family,omitempty"`
	Friends       []string `json:"friends,omitempty"`
	Travel        []string `json:"travel,omitempty"`
	SmartGoals    []string `json:"smart_goals,omitempty"`
}

// FallbackTopic returns the first available personal topic, checked in
// family, friends, travel, hobbies order. Empty when nothing is known.
func (c *PatientContext) FallbackTopic() string {
	if c == nil {
		return ""
	}
	for _, values := range [][]string{c.Family, c.Friends, c.Travel, c.Hobbies} {
		for _, v := range values {
			if strings.TrimSpace(v) != "" {
				return v
			}
		}
	}
	return ""
}

// ConversationRecord is the persisted per-patient state of one agent domain.
// The gateway's transcript uses the same shape.
type ConversationRecord struct {
	PatientID     PatientID       `json:"patient_id"`
	Agent         AgentName       `json:"agent,omitempty"`
	TurnIndex     int             `json:"turn_index"`
	Status        RecordStatus    `json:"status,omitempty"`
	ChatHistory   []ChatMessage   `json:"chat_history"`
	PreferredName string          `json:"preferred_name,omitempty"`
	SelectedGoal  string          `json:"selected_goal,omitempty"`
	SmartGoals    []string        `json:"smart_goals,omitempty"`
	Notes         *PatientContext `json:"notes,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RecordPatch is a partial ConversationRecord. Nil fields are absent and
// leave the stored value untouched.
type RecordPatch struct {
	PatientID PatientID
	Agent     AgentName

	TurnIndex *int
	Status    *RecordStatus

	// ChatHistory replaces the stored history wholesale when non-nil.
	ChatHistory []ChatMessage
	// AppendHistory is appended after any replacement.
	AppendHistory []ChatMessage

	PreferredName *string
	SelectedGoal  *string
	SmartGoals    []string
	Notes         *PatientContext
}

// Apply merges the patch into rec. rec must already carry the patient id.
func (p RecordPatch) Apply(rec *ConversationRecord, now time.Time) {
	if p.Agent != "" {
		rec.Agent = p.Agent
	}
	if p.TurnIndex != nil {
		rec.TurnIndex = *p.TurnIndex
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.ChatHistory != nil {
		rec.ChatHistory = append([]ChatMessage(nil), p.ChatHistory...)
	}
	if len(p.AppendHistory) > 0 {
		rec.ChatHistory = append(rec.ChatHistory, p.AppendHistory...)
	}
	if p.PreferredName != nil {
		rec.PreferredName = *p.PreferredName
	}
	if p.SelectedGoal != nil {
		rec.SelectedGoal = *p.SelectedGoal
	}
	if p.SmartGoals != nil {
		rec.SmartGoals = append([]string(nil), p.SmartGoals...)
	}
	if p.Notes != nil {
		n := *p.Notes
		rec.Notes = &n
	}
	if rec.ChatHistory == nil {
		rec.ChatHistory = []ChatMessage{}
	}
	rec.UpdatedAt = now
}

// Clone returns a deep copy so callers can mutate freely.
func (r *ConversationRecord) Clone() *ConversationRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ChatHistory = append([]ChatMessage{}, r.ChatHistory...)
	if r.SmartGoals != nil {
		cp.SmartGoals = append([]string(nil), r.SmartGoals...)
	}
	if r.Notes != nil {
		n := *r.Notes
		cp.Notes = &n
	}
	return &cp
}

// IntPtr, StringPtr and StatusPtr build RecordPatch fields inline.
func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }

func StatusPtr(v RecordStatus) *RecordStatus { return &v }

// ── Review Schedule ─────────────────────────────────────────

// ReviewEntry is the next weekly review slot for one patient.
type ReviewEntry struct {
	PatientID      PatientID `json:"patient_id"`
	NextReviewTime time.Time `json:"next_review_time"`
}

// SessionEntry is one coaching session reported by the extraction service.
// Older feeds carry the patient id as study_id.
type SessionEntry struct {
	PatientID   PatientID `json:"patient_id,omitempty"`
	StudyID     string    `json:"study_id,omitempty"`
	Date        string    `json:"date"`
	HealthCoach string    `json:"health_coach,omitempty"`
}

// Patient returns the patient id, preferring patient_id over study_id.
func (e SessionEntry) Patient() PatientID {
	if id := strings.TrimSpace(e.PatientID); id != "" {
		return id
	}
	return strings.TrimSpace(e.StudyID)
}

// ── Summaries & Handoffs ────────────────────────────────────

// SummaryRecord is appended once per completed review.
type SummaryRecord struct {
	ID          string        `json:"id"`
	PatientID   PatientID     `json:"patient_id"`
	ChatHistory []ChatMessage `json:"chat_history"`
	Summary     string        `json:"summary"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Handoff is the gateway's transient routing decision. It is never persisted.
type Handoff struct {
	ID          string        `json:"id"`
	PatientID   PatientID     `json:"patient_id"`
	TurnIndex   int           `json:"turn_index,omitempty"`
	Target      AgentName     `json:"target_agent"`
	ChatHistory []ChatMessage `json:"chat_history,omitempty"`
}

// ── Wire Payloads ───────────────────────────────────────────

// BeginRequest starts an agent's stage. Summarizer requests carry the full
// transcript instead of a turn index.
type BeginRequest struct {
	PatientID   PatientID     `json:"patient_id"`
	TurnIndex   int           `json:"turn_index,omitempty"`
	ChatHistory []ChatMessage `json:"chat_history,omitempty"`
}

// BeginResponse is returned by every agent's begin endpoint.
type BeginResponse struct {
	Status    string    `json:"status"`
	PatientID PatientID `json:"patient_id"`
	TurnIndex int       `json:"turn_index,omitempty"`
	Summary   string    `json:"summary,omitempty"`
}

// ContinueRequest carries one patient reply.
type ContinueRequest struct {
	PatientID PatientID `json:"patient_id"`
	TurnIndex *int      `json:"turn_index"`
	UserInput string    `json:"user_input"`
}

// ContinueResponse reports the outcome of one turn.
type ContinueResponse struct {
	Status    string    `json:"status"`
	TurnIndex int       `json:"turn_index"`
	Action    string    `json:"action,omitempty"`
	Next      AgentName `json:"next_agent,omitempty"`
}

// DeliverRequest pushes an agent utterance to the shared transcript.
type DeliverRequest struct {
	PatientID PatientID `json:"patient_id"`
	TurnIndex *int      `json:"turn_index"`
	Message   *string   `json:"message"`
}

// RouteNextRequest asks the gateway to start another agent.
type RouteNextRequest struct {
	PatientID   PatientID `json:"patient_id"`
	TurnIndex   int       `json:"turn_index"`
	TargetAgent string    `json:"target_agent"`
	// AgentToTrigger is the legacy field name for TargetAgent.
	AgentToTrigger string `json:"agent_to_trigger,omitempty"`
}

// ReplyRequest is a patient reply submitted through the front end.
type ReplyRequest struct {
	PatientID PatientID `json:"patient_id"`
	UserInput string    `json:"user_input"`
}

// ReplyResponse tells the front end which agent the reply went to.
type ReplyResponse struct {
	Status    string    `json:"status"`
	Agent     AgentName `json:"agent"`
	TurnIndex int       `json:"turn_index"`
}

// StatusResponse is the minimal acknowledgement body.
type StatusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
